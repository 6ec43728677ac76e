package threeds

import (
	"strings"
)

const (
	successTransStatus      = "Y"
	acceptedChallengeResult = "ACCEPTED"

	CodeChallengeTimeout = "3DS_CHALLENGE_TIMEOUT"
	CodeChallengeFailed  = "3DS_CHALLENGE_FAILED"
)

var declinedChallengeResults = map[string]bool{
	"ABANDONED": true,
	"CANCELED":  true,
	"CANCELLED": true,
	"FAILED":    true,
	"REJECTED":  true,
	"NOTDONE":   true,
	"NOT_DONE":  true,
	"NOT DONE":  true,
}

var declinedStatusPrefixes = []string{"FAIL", "ERROR", "DECLIN", "REFUS"}

// EMV 3DS transStatus values.
var transStatusDescriptions = map[string]string{
	"Y": "authenticated",
	"A": "attempt accepted",
	"N": "authentication failed",
	"U": "authentication unavailable",
	"R": "challenge rejected",
	"T": "challenge timed out",
	"C": "challenge required",
	"D": "decoupled challenge",
	"I": "informational only",
}

// Failure describes why a payment did not pass 3-D Secure.
type Failure struct {
	Code    string
	Message string
	Info    *Info
}

// Detect extracts the 3-D Secure data of v and classifies it.
func Detect(v any) *Failure {
	return Evaluate(Extract(v))
}

// Evaluate classifies info. A nil result means authentication succeeded
// or no verdict can be drawn from info.
func Evaluate(info *Info) *Failure {
	if info == nil {
		return nil
	}

	trans := strings.TrimSpace(info.TransStatus)
	if trans != "" && normalizeValue(trans) != successTransStatus {
		return &Failure{
			Code:    "3DS_TRANS_" + codeSuffix(trans),
			Message: buildMessage(subjectTransStatus, trans, info),
			Info:    info,
		}
	}

	challenge := strings.TrimSpace(info.ChallengeResult)
	if challenge != "" && normalizeValue(challenge) != acceptedChallengeResult {
		code := CodeChallengeFailed
		switch v := normalizeValue(challenge); {
		case v == "TIMEOUT":
			code = CodeChallengeTimeout
		case declinedChallengeResults[v]:
			code = "3DS_CHALLENGE_" + codeSuffix(challenge)
		}
		return &Failure{
			Code:    code,
			Message: buildMessage(subjectChallenge, challenge, info),
			Info:    info,
		}
	}

	// transStatus=Y outranks any softer status hint.
	if trans != "" {
		return nil
	}

	if status := strings.TrimSpace(info.Status); hasDeclinedPrefix(status) {
		return &Failure{
			Code:    "3DS_STATUS_" + codeSuffix(status),
			Message: buildMessage(subjectStatus, status, info),
			Info:    info,
		}
	}
	if reason := strings.TrimSpace(info.StatusReason); hasDeclinedPrefix(reason) {
		return &Failure{
			Code:    "3DS_STATUS_REASON_" + codeSuffix(reason),
			Message: buildMessage(subjectStatusReason, reason, info),
			Info:    info,
		}
	}
	return nil
}

type subject int

const (
	subjectTransStatus subject = iota
	subjectChallenge
	subjectStatus
	subjectStatusReason
)

// buildMessage keeps provider values verbatim so they can be matched
// against the provider back office.
func buildMessage(s subject, value string, info *Info) string {
	pieces := []string{"3-D Secure authentication refused"}
	switch s {
	case subjectTransStatus:
		if readable, ok := transStatusDescriptions[normalizeValue(value)]; ok {
			pieces = append(pieces, readable)
		}
		pieces = append(pieces, "transStatus="+value)
	case subjectChallenge:
		pieces = append(pieces, "challenge="+value)
	case subjectStatus:
		pieces = append(pieces, "status="+value)
	case subjectStatusReason:
		pieces = append(pieces, "reason="+value)
	}

	if info.ReasonMessage != "" {
		pieces = append(pieces, info.ReasonMessage)
	} else if info.StatusReason != "" && s != subjectStatusReason {
		pieces = append(pieces, info.StatusReason)
	}
	if info.ReasonCode != "" {
		pieces = append(pieces, "code "+info.ReasonCode)
	}
	if info.ChallengeResult != "" && s != subjectChallenge {
		pieces = append(pieces, "challenge="+info.ChallengeResult)
	}
	return strings.Join(dedupe(pieces), " · ")
}

func dedupe(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := values[:0]
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func hasDeclinedPrefix(value string) bool {
	v := normalizeValue(value)
	if v == "" {
		return false
	}
	for _, prefix := range declinedStatusPrefixes {
		if strings.HasPrefix(v, prefix) {
			return true
		}
	}
	return false
}

func normalizeValue(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

func codeSuffix(value string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, normalizeValue(value))
}
