package security

import (
	"context"
	"encoding/json"
	"testing"
)

func TestSignedTrail_SignAndVerify(t *testing.T) {
	trail, err := NewSignedTrail("node-1", nil)
	if err != nil {
		t.Fatalf("NewSignedTrail() error = %v", err)
	}
	defer trail.Destroy()

	trail.Record(context.Background(), EventResultApplied, map[string]interface{}{"task_id": "t-1"})

	records := trail.Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Signature == "" {
		t.Error("Expected signature to be set")
	}
	if records[0].Fields["instance_id"] != "node-1" {
		t.Error("Expected instance id in fields")
	}

	valid, err := VerifyEvent(records[0], trail.PublicKey())
	if err != nil {
		t.Fatalf("VerifyEvent() error = %v", err)
	}
	if !valid {
		t.Error("Expected record to be valid")
	}
}

func TestSignedTrail_TamperedRecord(t *testing.T) {
	trail, err := NewSignedTrail("node-1", nil)
	if err != nil {
		t.Fatalf("NewSignedTrail() error = %v", err)
	}
	defer trail.Destroy()

	trail.Record(context.Background(), EventResultConflict, map[string]interface{}{"task_id": "t-1"})
	record := trail.Records()[0]

	record.Name = EventResultApplied

	valid, err := VerifyEvent(record, trail.PublicKey())
	if err != nil {
		t.Fatalf("VerifyEvent() error = %v", err)
	}
	if valid {
		t.Error("Expected tampered record to be invalid")
	}
}

func TestSignedTrail_SurvivesJSONRoundTrip(t *testing.T) {
	trail, _ := NewSignedTrail("node-1", nil)
	defer trail.Destroy()

	trail.Record(context.Background(), EventDispatchTriggered, map[string]interface{}{"task_id": "t-1", "attempt": 2})

	data, err := json.Marshal(trail.ExportLog())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var log TrailLog
	if err := json.Unmarshal(data, &log); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	valid, err := VerifyEvent(log.Events[0], log.PublicKey)
	if err != nil {
		t.Fatalf("VerifyEvent() error = %v", err)
	}
	if !valid {
		t.Error("exported record should still verify")
	}
}

func TestSignedTrail_ForwardsAndBounds(t *testing.T) {
	next := NewRecordingSink()
	trail, _ := NewSignedTrail("node-1", next)
	defer trail.Destroy()
	trail.size = 3

	for i := 0; i < 5; i++ {
		trail.Record(context.Background(), EventResultApplied, map[string]interface{}{"n": i})
	}

	if len(trail.Records()) != 3 {
		t.Errorf("expected 3 retained records, got %d", len(trail.Records()))
	}
	if trail.Records()[0].Fields["n"] != 2 {
		t.Errorf("expected oldest retained n=2, got %v", trail.Records()[0].Fields["n"])
	}

	forwarded := next.Events()
	if len(forwarded) != 5 {
		t.Fatalf("expected 5 forwarded events, got %d", len(forwarded))
	}
	if forwarded[0].Fields["signature"] == "" || forwarded[0].Fields["signed_at"] == "" {
		t.Error("forwarded events should carry the signature")
	}
}

func TestVerifyEvent_BadKey(t *testing.T) {
	if _, err := VerifyEvent(Event{}, "not base64!"); err == nil {
		t.Error("expected error for invalid key encoding")
	}
	if _, err := VerifyEvent(Event{}, "AAAA"); err == nil {
		t.Error("expected error for short key")
	}
}
