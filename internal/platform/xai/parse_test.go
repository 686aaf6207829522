package xai

import (
	"errors"
	"testing"

	"github.com/alanyoungcy/manifoldbot/internal/domain"
)

func TestParseResearch(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		wantProb  string
		wantReply string
		wantErr   error
	}{
		{
			name:      "well formed",
			text:      "PROBABILITY: 65%\nREASONING: Strong evidence from official accounts.",
			wantProb:  "0.65",
			wantReply: "Strong evidence from official accounts.",
		},
		{
			name:      "preamble and multi-line reasoning",
			text:      "Searched X for recent posts.\n\nPROBABILITY: 7.5 %\nREASONING:\n- few mentions\n- no announcement",
			wantProb:  "0.075",
			wantReply: "- few mentions\n- no announcement",
		},
		{
			name:     "bounds",
			text:     "PROBABILITY: 100%\nREASONING:",
			wantProb: "1",
		},
		{
			name:    "missing probability",
			text:    "REASONING: could not decide",
			wantErr: domain.ErrResearchParse,
		},
		{
			name:    "missing reasoning",
			text:    "PROBABILITY: 40%",
			wantErr: domain.ErrResearchParse,
		},
		{
			name:    "out of range",
			text:    "PROBABILITY: 140%\nREASONING: typo",
			wantErr: domain.ErrResearchParse,
		},
		{
			name:    "not a number",
			text:    "PROBABILITY: high%\nREASONING: vibes",
			wantErr: domain.ErrResearchParse,
		},
		{
			name:    "skip",
			text:    "SKIP: depends on the creator's personal decision",
			wantErr: domain.ErrResearchSkipped,
		},
		{
			name:    "empty",
			text:    "",
			wantErr: domain.ErrResearchParse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResearch("m1", tt.text)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.MarketID != "m1" {
				t.Errorf("market id = %q", got.MarketID)
			}
			if got.EstimatedProbability.String() != tt.wantProb {
				t.Errorf("probability = %s, want %s", got.EstimatedProbability, tt.wantProb)
			}
			if tt.wantReply != "" && got.Reasoning != tt.wantReply {
				t.Errorf("reasoning = %q, want %q", got.Reasoning, tt.wantReply)
			}
		})
	}
}
