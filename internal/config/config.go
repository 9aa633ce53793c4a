// Package config loads the device settings file shared with the other
// services of the unit. The file is a flat KEY=value list (dotenv style).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	ini "gopkg.in/ini.v1"

	"github.com/ENGK3/modemmgr"
)

// DefaultPath is where the unit keeps its settings.
const DefaultPath = "/mnt/data/K3_config_settings"

// Settings holds the modem manager part of the device settings.
type Settings struct {
	// Whitelist holds normalized numbers whose incoming calls are answered
	Whitelist []string
	// AudioRouting enables the audio bridge for incoming calls
	AudioRouting bool
	// CallerIDCharset is GSM or UCS2
	CallerIDCharset string
	// Loaded is false when the settings file was missing and defaults are used
	Loaded bool
}

// Default returns the settings used when no file is present.
func Default() *Settings {
	return &Settings{
		Whitelist:       normalize(modemmgr.DefaultWhitelist),
		AudioRouting:    true,
		CallerIDCharset: "GSM",
	}
}

// Load reads path. A missing file is not an error: the defaults are
// returned with Loaded unset.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse decodes settings file content.
func Parse(data []byte) (*Settings, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		SkipUnrecognizableLines: true,
		IgnoreInlineComment:     true,
	}, data)
	if err != nil {
		return nil, err
	}

	sec := cfg.Section(ini.DefaultSection)
	s := Default()
	s.Loaded = true
	s.AudioRouting = sec.Key("ENABLE_AUDIO_ROUTING").MustBool(true)

	if wl := splitList(sec.Key("WHITELIST").String()); len(wl) > 0 {
		s.Whitelist = normalize(wl)
	}

	charset := strings.ToUpper(sec.Key("CALLER_ID_CHARSET").MustString("GSM"))
	switch charset {
	case "GSM", "UCS2":
		s.CallerIDCharset = charset
	default:
		return nil, fmt.Errorf("unsupported CALLER_ID_CHARSET %q", charset)
	}
	return s, nil
}

// NewWhitelist builds the manager whitelist. Override replaces the file
// entries when it is not empty.
func (s *Settings) NewWhitelist(override ...string) *modemmgr.Whitelist {
	if wl := normalize(override); len(wl) > 0 {
		return modemmgr.NewWhitelist(wl...)
	}
	return modemmgr.NewWhitelist(s.Whitelist...)
}

func splitList(v string) []string {
	var out []string
	for _, f := range strings.Split(v, ",") {
		if f = strings.Trim(strings.TrimSpace(f), `"'`); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func normalize(numbers []string) []string {
	out := make([]string, 0, len(numbers))
	for _, n := range numbers {
		if n = modemmgr.NormalizeNumber(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}
