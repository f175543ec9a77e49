package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func setupIntegrityDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "config.yaml"), "include: [machine.yaml]\n")
	writeFile(t, filepath.Join(dir, "machine.yaml"), "machine:\n  hostname: audit\n")
	writeFile(t, filepath.Join(dir, TokensFile), "tokens: []\n")
	return dir
}

func TestVerifyIntegrityAllValid(t *testing.T) {
	dir := setupIntegrityDir(t)
	if _, err := HashConfigTree(dir, false); err != nil {
		t.Fatal(err)
	}

	result, err := VerifyIntegrity(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Passed {
		t.Errorf("expected Passed=true, got errors: %v", result.Errors)
	}
	if len(result.Warnings) > 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
}

func TestVerifyIntegrityHighSecurityMismatch(t *testing.T) {
	dir := setupIntegrityDir(t)
	if _, err := HashConfigTree(dir, false); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, TokensFile), "tokens:\n  - token: injected\n    scopes: [admin]\n")

	result, err := VerifyIntegrity(dir)
	if err != nil {
		t.Fatal(err)
	}
	if result.Passed {
		t.Fatal("expected Passed=false after tokens.yaml changed")
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "hash mismatch") {
		t.Errorf("errors = %v", result.Errors)
	}
}

func TestVerifyIntegrityIncludeMismatchWarns(t *testing.T) {
	dir := setupIntegrityDir(t)
	if _, err := HashConfigTree(dir, false); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "machine.yaml"), "machine:\n  hostname: edited\n")

	result, err := VerifyIntegrity(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Passed {
		t.Errorf("include mismatch should only warn, got errors: %v", result.Errors)
	}
	if len(result.Warnings) != 1 {
		t.Errorf("warnings = %v, want one", result.Warnings)
	}
}

func TestVerifyIntegrityNoManifest(t *testing.T) {
	dir := setupIntegrityDir(t)

	result, err := VerifyIntegrity(dir)
	if err != nil {
		t.Fatal(err)
	}
	if result.Passed {
		t.Error("config.yaml without a manifest must fail")
	}
	if len(result.Warnings) != 1 {
		t.Errorf("warnings = %v, want one for machine.yaml", result.Warnings)
	}
}
