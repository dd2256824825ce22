package doctrine_test

import (
	"strings"
	"testing"

	"heir/internal/doctrine"
)

func validHeaders() map[string]string {
	return map[string]string{
		"unique_id":       "DB.03.PROC.API.10000.001",
		"process_id":      "ProcessPayment",
		"blueprint_id":    "payment-processing-v1",
		"agent_signature": "payment-specialist:20250113153201:abc123hash",
		"api_destination": "stripe-api",
		"operation_type":  "POST",
	}
}

func TestValidateUniqueID(t *testing.T) {
	valid := []string{
		"DB.03.PROC.API.10000.001",
		"SHQ.01.Intake.db.00000.999",
		"AB.x.y.z.12345.000",
	}
	for _, id := range valid {
		if ok, reason := doctrine.ValidateUniqueID(id); !ok {
			t.Errorf("expected %q valid, got %q", id, reason)
		}
	}
	invalid := []string{
		"DB.03.PROC",                     // too few parts
		"DB.03.PROC.API.10000.001.EXTRA", // too many parts
		"DB.03.PROC.API.1000.001",        // 4-digit altitude
		"DB.03.PROC.API.10000.01",        // 2-digit step
		"D.03.PROC.API.10000.001",        // db too short
		"DBXX.03.PROC.API.10000.001",     // db too long
		"DB.03.PROC.API.1000a.001",       // non-digit altitude
		"DB.03.PROC.API.10000.0x1",       // non-digit step
		"",
	}
	for _, id := range invalid {
		if ok, _ := doctrine.ValidateUniqueID(id); ok {
			t.Errorf("expected %q invalid", id)
		}
	}
}

func TestParseUniqueID(t *testing.T) {
	u, ok := doctrine.ParseUniqueID("DB.03.PROC.API.10000.001")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if u.DB != "DB" || u.Subhive != "03" || u.Microprocess != "PROC" || u.Tool != "API" || u.Altitude != "10000" || u.Step != "001" {
		t.Fatalf("unexpected components: %+v", u)
	}
	if u.String() != "DB.03.PROC.API.10000.001" {
		t.Fatalf("round trip mismatch: %s", u.String())
	}
	if _, ok := doctrine.ParseUniqueID("DB.03.PROC"); ok {
		t.Fatal("expected parse failure")
	}
}

func TestValidateProcessID(t *testing.T) {
	valid := []string{"ProcessPayment", "LoadUserData", "GenerateReport", "ValidateInput", "SendNotification", "ProcessData2X"}
	for _, id := range valid {
		if ok, reason := doctrine.ValidateProcessID(id); !ok {
			t.Errorf("expected %q valid, got %q", id, reason)
		}
	}
	invalid := []string{
		"processPayment",  // no leading capital
		"Process",         // only one capital
		"Process Payment", // space
		"Process-Payment", // hyphen
		"Process_Payment", // underscore
		"Process123",      // digits but still one capital
		"",
	}
	for _, id := range invalid {
		if ok, _ := doctrine.ValidateProcessID(id); ok {
			t.Errorf("expected %q invalid", id)
		}
	}
}

func TestValidateAgentSignature(t *testing.T) {
	if ok, reason := doctrine.ValidateAgentSignature("payment-specialist:20250113153201:abc123hash"); !ok {
		t.Fatalf("expected valid signature, got %q", reason)
	}
	invalid := []string{
		"payment-specialist",                          // one part
		"payment-specialist:20250113153201",           // two parts
		":20250113153201:abc123hash",                  // empty agent id
		"payment-specialist:20250113153201:",          // empty hash
		"payment-specialist:2025011315:abc123hash",    // short timestamp
		"payment-specialist:2025011315320199:abc",     // long timestamp
		"payment-specialist:20250113T53201x:abc123",   // non-digit timestamp
		"a:20250113153201:h:extra",                    // four parts
	}
	for _, sig := range invalid {
		if ok, _ := doctrine.ValidateAgentSignature(sig); ok {
			t.Errorf("expected %q invalid", sig)
		}
	}
}

func TestParseSignature(t *testing.T) {
	sig, ok := doctrine.ParseSignature("payment-specialist:20250113153201:abc123hash")
	if !ok {
		t.Fatal("expected parse to succeed")
	}
	if sig.AgentID != "payment-specialist" || sig.Timestamp != "20250113153201" || sig.Hash != "abc123hash" {
		t.Fatalf("unexpected components: %+v", sig)
	}
}

func TestValidateHeadersAllValid(t *testing.T) {
	v := doctrine.ValidateHeaders(validHeaders())
	if !v.Valid {
		t.Fatalf("expected valid verdict, got errors %v", v.Errors)
	}
	if len(v.Errors) != 0 {
		t.Fatalf("expected empty errors, got %v", v.Errors)
	}
}

func TestValidateHeadersMissingAndInvalid(t *testing.T) {
	h := validHeaders()
	delete(h, "unique_id")
	delete(h, "agent_signature")
	h["process_id"] = "processPayment"

	v := doctrine.ValidateHeaders(h)
	if v.Valid {
		t.Fatal("expected invalid verdict")
	}
	if len(v.Errors) != 3 {
		t.Fatalf("expected exactly 3 errors, got %v", v.Errors)
	}
	want := []string{
		"Missing unique_id header",
		"Invalid process_id format (must be VerbObject)",
		"Missing agent_signature header",
	}
	for i, msg := range want {
		if v.Errors[i] != msg {
			t.Errorf("error %d: got %q want %q", i, v.Errors[i], msg)
		}
	}
}

func TestValidateHeadersOrderPreserved(t *testing.T) {
	v := doctrine.ValidateHeaders(map[string]string{"operation_type": "POST"})
	if v.Valid {
		t.Fatal("expected invalid verdict")
	}
	if len(v.Errors) != 4 {
		t.Fatalf("expected 4 errors, got %v", v.Errors)
	}
	order := []string{"unique_id", "process_id", "agent_signature", "blueprint_id"}
	for i, key := range order {
		if !strings.Contains(v.Errors[i], key) {
			t.Errorf("error %d = %q, expected to mention %s", i, v.Errors[i], key)
		}
	}
}

func TestValidateHeadersNeverBothForSameKey(t *testing.T) {
	h := validHeaders()
	h["unique_id"] = "DB.03.PROC"
	v := doctrine.ValidateHeaders(h)
	if len(v.Errors) != 1 || v.Errors[0] != "Invalid unique_id format" {
		t.Fatalf("expected single invalid message, got %v", v.Errors)
	}
}
