package main

import (
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/referrals/internal/config"
	"github.com/ehr/referrals/internal/domain/extraction"
)

func TestMigrationsFS_Embedded(t *testing.T) {
	files, err := fs.Glob(migrationsFS(""), "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected embedded migrations")
	}
}

func TestMigrationsFS_Directory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "001_local.sql"), []byte("SELECT 1;"), 0o600); err != nil {
		t.Fatal(err)
	}
	files, err := fs.Glob(migrationsFS(dir), "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) != 1 || files[0] != "001_local.sql" {
		t.Errorf("expected the on-disk migration, got %v", files)
	}
}

func TestMatchPolicy(t *testing.T) {
	p := matchPolicy(&config.Config{MatchByMRN: true, MatchByNameDOB: true})
	if !p.ByMRN || p.ByMedicare || !p.ByNameDOB {
		t.Errorf("unexpected policy %+v", p)
	}
}

func TestNewFieldExtractor(t *testing.T) {
	if _, ok := newFieldExtractor(&config.Config{LLMProvider: "rules"}, zerolog.Nop()).(*extraction.RulesExtractor); !ok {
		t.Error("expected rules extractor")
	}
	gemini := &config.Config{LLMProvider: "gemini", LLMAPIKey: "k", LLMModel: "gemini-1.5-flash", LLMRPS: 1}
	if _, ok := newFieldExtractor(gemini, zerolog.Nop()).(*extraction.LLMExtractor); !ok {
		t.Error("expected LLM extractor")
	}
}

func TestExtractionLimit(t *testing.T) {
	if extractionLimit(0) != nil {
		t.Error("expected no limiter when disabled")
	}

	e := echo.New()
	h := extractionLimit(0.1)(func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	call := func(user string) error {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/referrals/x/extract", nil)
		c := e.NewContext(req, httptest.NewRecorder())
		c.Set("user_id", user)
		c.Set("jwt_practice_id", "northside")
		return h(c)
	}
	if err := call("dr-1"); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	err := call("dr-1")
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429 on second call, got %v", err)
	}
	if err := call("dr-2"); err != nil {
		t.Errorf("expected a separate bucket per user, got %v", err)
	}
}

func TestSubcommands(t *testing.T) {
	tests := []struct {
		name string
		cmd  *cobra.Command
		want []string
	}{
		{"migrate", migrateCmd(), []string{"up", "status"}},
		{"tenant", tenantCmd(), []string{"create"}},
	}
	for _, tt := range tests {
		got := map[string]bool{}
		for _, c := range tt.cmd.Commands() {
			got[c.Name()] = true
		}
		for _, s := range tt.want {
			if !got[s] {
				t.Errorf("%s: missing subcommand %q", tt.name, s)
			}
		}
	}
}

func TestTenantCreate_RejectsBadID(t *testing.T) {
	cmd := tenantCmd()
	cmd.SetArgs([]string{"create", "north-side; DROP"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err == nil {
		t.Error("expected invalid practice id to be rejected")
	}
}
