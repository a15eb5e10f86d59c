package daemon

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dcrange/dcrange/internal/models"
)

func TestRedactorRedactsKeysAndValues(t *testing.T) {
	redactor := NewRedactor([]string{"TF_VAR_pm_user"})
	redactor.AddValues("orchestrator-token-123")

	input := `token=orchestrator-token-123 TF_VAR_pm_user="root@pam" {"password":"toor123"} pm_api_token_secret: 0b6f-44ac`
	output := redactor.Redact(input)

	if output == input {
		t.Fatalf("expected redaction to modify output")
	}
	if containsAny(output, "orchestrator-token-123", "root@pam", "toor123", "0b6f-44ac") {
		t.Fatalf("expected secrets to be redacted, got: %s", output)
	}
	if !containsAll(output, "token="+redactedValue, `TF_VAR_pm_user="`+redactedValue+`"`, `"password":"`+redactedValue+`"`, "pm_api_token_secret: "+redactedValue) {
		t.Fatalf("expected redacted markers, got: %s", output)
	}
}

func TestRedactorAddEnv(t *testing.T) {
	redactor := NewRedactor(nil)
	redactor.AddEnv(map[string]string{
		"TF_VAR_pm_password": "hunter22",
		"  ":                 "ignored-value",
	})

	output := redactor.Redact("Error: provider rejected hunter22 (TF_VAR_pm_password=hunter22)")
	if strings.Contains(output, "hunter22") {
		t.Fatalf("expected env value to be redacted, got: %s", output)
	}
	if !strings.Contains(output, "TF_VAR_pm_password="+redactedValue) {
		t.Fatalf("expected env key marker, got: %s", output)
	}
}

func TestRedactorSkipsShortValues(t *testing.T) {
	redactor := NewRedactor(nil)
	redactor.AddValues("abc", "")

	input := "machine abc accepted"
	if got := redactor.Redact(input); got != input {
		t.Fatalf("short values must not be redacted, got: %s", got)
	}
}

func TestNilRedactorPassesThrough(t *testing.T) {
	var redactor *Redactor
	redactor.AddValues("orchestrator-token-123")
	if got := redactor.Redact("token=orchestrator-token-123"); got != "token=orchestrator-token-123" {
		t.Fatalf("nil redactor changed input: %s", got)
	}
}

func TestRedactorAddGivens(t *testing.T) {
	redactor := NewRedactor(nil)
	redactor.AddGivens([]models.MachinePlan{
		{Hostname: "silver-falcon", Givens: map[string]any{"username": "webadmin", "password": "Summer2024!"}},
		{Hostname: "quiet-otter", Givens: map[string]any{"db_pass": "s3cr3t-db", "port": 5432}},
	})

	output := redactor.Redact("state failed for webadmin: login Summer2024! rejected; db s3cr3t-db")
	assert.Equal(t, "state failed for webadmin: login "+redactedValue+" rejected; db "+redactedValue, output)
}

func TestRedactorPrefersLongestValue(t *testing.T) {
	redactor := NewRedactor(nil)
	redactor.AddValues("hunter22", "hunter22-extended")

	assert.Equal(t, "got "+redactedValue, redactor.Redact("got hunter22-extended"))
}

func containsAny(value string, needles ...string) bool {
	for _, needle := range needles {
		if needle != "" && strings.Contains(value, needle) {
			return true
		}
	}
	return false
}

func containsAll(value string, needles ...string) bool {
	for _, needle := range needles {
		if !strings.Contains(value, needle) {
			return false
		}
	}
	return true
}
