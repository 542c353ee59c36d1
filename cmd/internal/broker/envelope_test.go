package broker

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func validEnvelope() Envelope {
	return Envelope{
		Metadata: Metadata{
			EventID:       "01J0000000000000000000TEST",
			EventType:     "message.created",
			AggregateType: "message",
			AggregateID:   "m1",
			TenantID:      "t1",
			Timestamp:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			SchemaVersion: SchemaVersion,
		},
		Data: json.RawMessage(`{"messageId":"m1"}`),
	}
}

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Envelope)
		wantErr string
	}{
		{"valid", func(*Envelope) {}, ""},
		{"missing event id", func(e *Envelope) { e.Metadata.EventID = " " }, "eventId"},
		{"missing event type", func(e *Envelope) { e.Metadata.EventType = "" }, "eventType"},
		{"missing aggregate type", func(e *Envelope) { e.Metadata.AggregateType = "" }, "aggregateType"},
		{"missing aggregate id", func(e *Envelope) { e.Metadata.AggregateID = "" }, "aggregateId"},
		{"zero timestamp", func(e *Envelope) { e.Metadata.Timestamp = time.Time{} }, "timestamp"},
		{"zero schema version", func(e *Envelope) { e.Metadata.SchemaVersion = 0 }, "schemaVersion"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			env := validEnvelope()
			tc.mutate(&env)

			err := env.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error mentioning %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestDecodeEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()

	want := validEnvelope()
	body, err := json.Marshal(want)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := DecodeEnvelope(body)
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if got.Metadata != want.Metadata {
		t.Fatalf("metadata mismatch:\n got %+v\nwant %+v", got.Metadata, want.Metadata)
	}
	if string(got.Data) != string(want.Data) {
		t.Fatalf("data mismatch: %s", got.Data)
	}
}

func TestDecodeEnvelopeRejectsGarbageAndInvalid(t *testing.T) {
	t.Parallel()

	if _, err := DecodeEnvelope([]byte("{not json")); err == nil {
		t.Fatalf("expected decode error")
	}

	env := validEnvelope()
	env.Metadata.AggregateID = ""
	body, _ := json.Marshal(env)
	if _, err := DecodeEnvelope(body); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestTopicRouting(t *testing.T) {
	t.Parallel()

	cases := []struct {
		aggregate string
		want      string
	}{
		{"message", TopicMessageEvents},
		{"conversation", TopicConversationEvents},
		{"user", TopicUserEvents},
	}
	for _, tc := range cases {
		tc := tc
		got, err := TopicFor(tc.aggregate)
		if err != nil {
			t.Fatalf("TopicFor(%s): %v", tc.aggregate, err)
		}
		if got != tc.want {
			t.Fatalf("TopicFor(%s)=%s, want %s", tc.aggregate, got, tc.want)
		}
	}

	if _, err := TopicFor("invoice"); err == nil {
		t.Fatalf("expected error for unknown aggregate type")
	}

	if got := DLQ(TopicMessageEvents); got != TopicMessageEvents+DLQSuffix {
		t.Fatalf("DLQ()=%s", got)
	}
	if got := Retry(TopicMessageEvents); got != TopicMessageEvents+RetrySuffix {
		t.Fatalf("Retry()=%s", got)
	}
}
