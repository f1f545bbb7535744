package options

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HandlePrefs writes the preferences into <userDataDir>/Default/Preferences,
// merging with any existing file, and drops the experimental options that
// chromedriver rejects when attaching to a running browser.
func (o *ChromeOptions) HandlePrefs(userDataDir string) error {
	o.mu.Lock()
	prefs := o.prefs
	o.prefs = make(map[string]any)
	delete(o.experimental, "excludeSwitches")
	delete(o.experimental, "useAutomationExtension")
	if userDataDir == "" {
		userDataDir = o.userDataDir
	}
	o.mu.Unlock()

	if len(prefs) == 0 {
		return nil
	}
	if userDataDir == "" {
		return fmt.Errorf("no user data dir to write preferences to")
	}

	defaultPath := filepath.Join(userDataDir, "Default")
	if err := os.MkdirAll(defaultPath, 0o755); err != nil {
		return fmt.Errorf("failed to create profile folder: %w", err)
	}

	undotted := make(map[string]any)
	for k, v := range prefs {
		MergeNested(undotted, UndotKey(k, v))
	}

	prefsFile := filepath.Join(defaultPath, "Preferences")
	if raw, err := os.ReadFile(prefsFile); err == nil {
		var existing map[string]any
		if json.Unmarshal(raw, &existing) == nil && existing != nil {
			undotted = MergeNested(existing, undotted)
		}
	}

	raw, err := json.Marshal(undotted)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	if err := os.WriteFile(prefsFile, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	return nil
}

// UndotKey turns ("a.b.c", v) into {"a": {"b": {"c": v}}}.
func UndotKey(key string, value any) map[string]any {
	if head, rest, ok := strings.Cut(key, "."); ok {
		return map[string]any{head: UndotKey(rest, value)}
	}
	return map[string]any{key: value}
}

// MergeNested merges b into a, overwriting leaf values with those of b.
func MergeNested(a, b map[string]any) map[string]any {
	for k, bv := range b {
		if av, ok := a[k]; ok {
			am, aok := av.(map[string]any)
			bm, bok := bv.(map[string]any)
			if aok && bok {
				MergeNested(am, bm)
				continue
			}
		}
		a[k] = bv
	}
	return a
}

// FixExitType clears profile.exit_type in the profile preferences so the
// browser does not offer to restore a crashed session. It reports whether the
// file was rewritten.
func FixExitType(userDataDir string) (bool, error) {
	prefsFile := filepath.Join(userDataDir, "Default", "Preferences")
	raw, err := os.ReadFile(prefsFile)
	if err != nil {
		return false, err
	}
	var config map[string]any
	if err := json.Unmarshal(raw, &config); err != nil {
		return false, fmt.Errorf("failed to decode preferences: %w", err)
	}
	profile, ok := config["profile"].(map[string]any)
	if !ok {
		return false, fmt.Errorf("preferences have no profile section")
	}
	if v, present := profile["exit_type"]; present && v == nil {
		return false, nil
	}
	profile["exit_type"] = nil

	raw, err = json.Marshal(config)
	if err != nil {
		return false, fmt.Errorf("failed to encode preferences: %w", err)
	}
	if err := os.WriteFile(prefsFile, raw, 0o644); err != nil {
		return false, fmt.Errorf("failed to write preferences: %w", err)
	}
	return true, nil
}
