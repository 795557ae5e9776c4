package service

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/smallbiznis/impactledger/internal/enrichment/domain"
)

func TestSummarizeKeepsFirstTwentyWords(t *testing.T) {
	words := make([]string, 30)
	for i := range words {
		words[i] = "w"
	}
	got := Summarize(strings.Join(words, " "))
	want := strings.Join(words[:20], " ") + "..."
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	if got := Summarize("New purchase linked"); got != "New purchase linked..." {
		t.Fatalf("unexpected short summary %q", got)
	}
}

func TestExtractTags(t *testing.T) {
	got := ExtractTags("The Forest planting drive: forest, rivers AND wetlands with the community.")
	want := []string{"forest", "planting", "drive", "rivers", "wetlands", "community"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	long := strings.Repeat("alpha beta gamma delta epsilon zeta theta iota kappa lambda omicron sigma ", 2)
	if tags := ExtractTags(long); len(tags) != 10 {
		t.Fatalf("expected 10 tags, got %d: %v", len(tags), tags)
	}
}

func TestProcessorsRejectEmptyText(t *testing.T) {
	for _, proc := range []domain.Processor{SummarizeProcessor{}, TagProcessor{}} {
		_, err := proc.Process(context.Background(), json.RawMessage(`{"initiative_id":"1","text":"  "}`))
		if !errors.Is(err, domain.ErrInvalidPayload) {
			t.Fatalf("%s: expected ErrInvalidPayload, got %v", proc.Kind(), err)
		}
		_, err = proc.Process(context.Background(), json.RawMessage(`not-json`))
		if !errors.Is(err, domain.ErrInvalidPayload) {
			t.Fatalf("%s: expected ErrInvalidPayload for bad json, got %v", proc.Kind(), err)
		}
	}
}
