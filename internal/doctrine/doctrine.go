// Package doctrine validates the structured identity every governed
// request must carry: a hierarchical unique id, a VerbObject process
// name, and an agent signature. All checks are pure string grammar;
// nothing here touches storage or trusts the signature hash.
package doctrine

import "strings"

// Required header names, in check order. The verdict reports
// violations in this order regardless of which checks fail.
const (
	HeaderUniqueID       = "unique_id"
	HeaderProcessID      = "process_id"
	HeaderAgentSignature = "agent_signature"
	HeaderBlueprintID    = "blueprint_id"
)

// Passthrough headers the gate accepts but does not validate.
const (
	HeaderAPIDestination = "api_destination"
	HeaderOperationType  = "operation_type"
)

// UniqueID is a parsed 6-component hierarchical identifier:
// DB.SUBHIVE.MICROPROCESS.TOOL.ALTITUDE.STEP.
type UniqueID struct {
	DB           string
	Subhive      string
	Microprocess string
	Tool         string
	Altitude     string
	Step         string
}

func (u UniqueID) String() string {
	return strings.Join([]string{u.DB, u.Subhive, u.Microprocess, u.Tool, u.Altitude, u.Step}, ".")
}

// Signature is a parsed agent signature: agentId:timestamp:hash.
// The hash is opaque; only its presence is checked.
type Signature struct {
	AgentID   string
	Timestamp string
	Hash      string
}

// Verdict is the accumulated result of a header validation pass.
// Errors preserve check order and report every failing check.
type Verdict struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// ValidateUniqueID checks the DB.SUBHIVE.MICROPROCESS.TOOL.ALTITUDE.STEP
// grammar: exactly 6 dot-separated parts, DB of length 2-3, a 5-digit
// altitude and a 3-digit step. SUBHIVE, MICROPROCESS and TOOL are
// intentionally unconstrained.
func ValidateUniqueID(s string) (bool, string) {
	parts := strings.Split(s, ".")
	if len(parts) != 6 {
		return false, "expected 6 dot-separated components"
	}
	if len(parts[0]) < 2 || len(parts[0]) > 3 {
		return false, "db component must be 2-3 characters"
	}
	if !isDigits(parts[4]) || len(parts[4]) != 5 {
		return false, "altitude must be exactly 5 digits"
	}
	if !isDigits(parts[5]) || len(parts[5]) != 3 {
		return false, "step must be exactly 3 digits"
	}
	return true, ""
}

// ParseUniqueID returns the identifier's components, or ok=false when
// the grammar check fails.
func ParseUniqueID(s string) (UniqueID, bool) {
	if ok, _ := ValidateUniqueID(s); !ok {
		return UniqueID{}, false
	}
	parts := strings.Split(s, ".")
	return UniqueID{
		DB:           parts[0],
		Subhive:      parts[1],
		Microprocess: parts[2],
		Tool:         parts[3],
		Altitude:     parts[4],
		Step:         parts[5],
	}, true
}

// ValidateProcessID checks the VerbObject grammar: alphanumeric only,
// leading uppercase letter, at least two uppercase letters in total.
// The uppercase count and the alnum check are independent conditions;
// a digit-bearing token with one capital still fails.
func ValidateProcessID(s string) (bool, string) {
	if s == "" {
		return false, "process id is empty"
	}
	first := s[0]
	if first < 'A' || first > 'Z' {
		return false, "must start with an uppercase verb"
	}
	uppers := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
			uppers++
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		default:
			return false, "must be alphanumeric with no separators"
		}
	}
	if uppers < 2 {
		return false, "needs an uppercase verb and object"
	}
	return true, ""
}

// ValidateAgentSignature checks the agentId:timestamp:hash grammar:
// exactly 3 colon-separated parts, non-empty agent id and hash, and a
// 14-digit YYYYMMDDHHMMSS timestamp. Cryptographic validity of the
// hash is out of scope.
func ValidateAgentSignature(s string) (bool, string) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return false, "expected agentId:timestamp:hash"
	}
	if parts[0] == "" {
		return false, "agent id is empty"
	}
	if !isDigits(parts[1]) || len(parts[1]) != 14 {
		return false, "timestamp must be exactly 14 digits"
	}
	if parts[2] == "" {
		return false, "hash is empty"
	}
	return true, ""
}

// ParseSignature returns the signature's components, or ok=false when
// the grammar check fails.
func ParseSignature(s string) (Signature, bool) {
	if ok, _ := ValidateAgentSignature(s); !ok {
		return Signature{}, false
	}
	parts := strings.Split(s, ":")
	return Signature{AgentID: parts[0], Timestamp: parts[1], Hash: parts[2]}, true
}

// ValidateHeaders runs all doctrine checks over the header set and
// accumulates every violation; it never short-circuits. A key yields
// either a Missing or an Invalid message, never both.
func ValidateHeaders(headers map[string]string) Verdict {
	var errs []string

	if v, ok := headers[HeaderUniqueID]; !ok || v == "" {
		errs = append(errs, "Missing unique_id header")
	} else if ok, _ := ValidateUniqueID(v); !ok {
		errs = append(errs, "Invalid unique_id format")
	}

	if v, ok := headers[HeaderProcessID]; !ok || v == "" {
		errs = append(errs, "Missing process_id header")
	} else if ok, _ := ValidateProcessID(v); !ok {
		errs = append(errs, "Invalid process_id format (must be VerbObject)")
	}

	if v, ok := headers[HeaderAgentSignature]; !ok || v == "" {
		errs = append(errs, "Missing agent_signature header")
	} else if ok, _ := ValidateAgentSignature(v); !ok {
		errs = append(errs, "Invalid agent_signature format")
	}

	if v, ok := headers[HeaderBlueprintID]; !ok || v == "" {
		errs = append(errs, "Missing blueprint_id header")
	}

	return Verdict{Valid: len(errs) == 0, Errors: errs}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
