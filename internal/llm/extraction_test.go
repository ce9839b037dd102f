package llm

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type stubMessages struct {
	reply string
	calls int
}

func (s *stubMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	s.calls++
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: s.reply}},
	}, nil
}

func TestExtractParsesEntities(t *testing.T) {
	stub := &stubMessages{reply: `{
		"entities": [{"name": "medulla", "type": "project", "description": "agent runtime"}],
		"relationships": [{"from": "medulla", "to": "sqlite", "type": "uses", "confidence": 0.9}]
	}`}
	e := NewExtractorFromClient(stub, "claude-test", 512, testLogger())

	result, err := e.Extract(context.Background(), "user: tell me about medulla\nassistant: it uses sqlite")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Entities) != 1 || result.Entities[0].Name != "medulla" {
		t.Fatalf("entities = %+v", result.Entities)
	}
	if len(result.Relationships) != 1 || result.Relationships[0].Confidence != 0.9 {
		t.Fatalf("relationships = %+v", result.Relationships)
	}
}

func TestExtractEmptyTranscriptSkipsCall(t *testing.T) {
	stub := &stubMessages{reply: "{}"}
	e := NewExtractorFromClient(stub, "claude-test", 512, testLogger())

	result, err := e.Extract(context.Background(), "   ")
	if err != nil {
		t.Fatal(err)
	}
	if stub.calls != 0 {
		t.Fatalf("extraction call made for empty transcript")
	}
	if len(result.Entities) != 0 {
		t.Fatalf("entities = %+v", result.Entities)
	}
}

func TestExtractMalformedReplyFails(t *testing.T) {
	stub := &stubMessages{reply: "I could not comply"}
	e := NewExtractorFromClient(stub, "claude-test", 512, testLogger())

	if _, err := e.Extract(context.Background(), "something"); err == nil {
		t.Fatal("malformed reply must fail")
	}
}
