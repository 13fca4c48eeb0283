// Copyright 2018 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const (
	tokenEnv  = "SOULCHAT_TOKEN"
	serverEnv = "SOULCHAT_SERVER"
)

type theme struct {
	Name                        string `toml:"name"`
	PrimitiveBackgroundColor    string `toml:"primitive_background"`
	ContrastBackgroundColor     string `toml:"contrast_background"`
	MoreContrastBackgroundColor string `toml:"more_contrast_background"`
	BorderColor                 string `toml:"border"`
	TitleColor                  string `toml:"title"`
	GraphicsColor               string `toml:"graphics"`
	PrimaryTextColor            string `toml:"primary_text"`
	SecondaryTextColor          string `toml:"secondary_text"`
	TertiaryTextColor           string `toml:"tertiary_text"`
	InverseTextColor            string `toml:"inverse_text"`
	ContrastSecondaryTextColor  string `toml:"contrast_secondary_text"`
}

// duration is a time.Duration that decodes from TOML strings such as "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type config struct {
	Server    string   `toml:"server"`
	UserID    int64    `toml:"user_id"`
	TokenFile string   `toml:"token_file"`
	Timeout   duration `toml:"timeout"`
	Cache     string   `toml:"cache"`

	Reconnect struct {
		Initial    duration `toml:"initial"`
		Max        duration `toml:"max"`
		Multiplier float64  `toml:"multiplier"`
		MaxRetries int      `toml:"max_retries"`
	} `toml:"reconnect"`

	Refresh struct {
		Interval duration `toml:"interval"`
	} `toml:"refresh"`

	Send struct {
		Rate  float64 `toml:"rate"`
		Burst int     `toml:"burst"`
	} `toml:"send"`

	Log struct {
		Verbose bool `toml:"verbose"`
		Frames  bool `toml:"frames"`
	} `toml:"log"`

	UI struct {
		HideStatus bool   `toml:"hide_status"`
		Theme      string `toml:"theme"`
		Width      int    `toml:"width"`
	} `toml:"ui"`

	Theme []theme `toml:"theme"`
}

func defaultConfig() config {
	cfg := config{
		Server:  "http://127.0.0.1:8000",
		Timeout: duration{30 * time.Second},
	}
	cfg.Reconnect.Initial = duration{500 * time.Millisecond}
	cfg.Reconnect.Max = duration{30 * time.Second}
	cfg.Reconnect.Multiplier = 2
	cfg.Reconnect.MaxRetries = 8
	cfg.Refresh.Interval = duration{time.Minute}
	cfg.Send.Rate = 5
	cfg.Send.Burst = 10
	cfg.UI.Width = 30
	return cfg
}

// loadConfig decodes r over the defaults.
// Keys that are not set in r keep their default value.
func loadConfig(r io.Reader) (config, error) {
	cfg := defaultConfig()
	md, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return cfg, err
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		return cfg, fmt.Errorf("unknown config keys: %v", undec)
	}
	return cfg, nil
}

func printConfig(w io.Writer) error {
	cfg := defaultConfig()
	cfg.TokenFile = "~/.config/" + appName + "/token"
	cfg.UI.Theme = "default"
	cfg.Theme = []theme{{
		Name:                     "default",
		PrimitiveBackgroundColor: "black",
		BorderColor:              "white",
		TitleColor:               "white",
		PrimaryTextColor:         "white",
		SecondaryTextColor:       "yellow",
	}}
	_, err := fmt.Fprintf(w, "# The access token may also be set with %s,\n# either in the environment or in a .env file.\n\n", tokenEnv)
	if err != nil {
		return err
	}
	return toml.NewEncoder(w).Encode(cfg)
}

// configFile attempts to open the config file for reading.
// If a file is provided, only that file is checked, otherwise it attempts to
// open the following (falling back if the file does not exist or cannot be
// read):
//
// ./soulchat.toml, $XDG_CONFIG_HOME/soulchat/config.toml,
// $HOME/.config/soulchat/config.toml, /etc/soulchat/config.toml
func configFile(f string) (*os.File, string, error) {
	if f != "" {
		/* #nosec */
		cfgFile, err := os.Open(f)
		return cfgFile, f, err
	}

	fPath := filepath.Join(".", appName+".toml")
	if cfgFile, err := os.Open(fPath); err == nil {
		return cfgFile, fPath, err
	}

	cfgDir := os.Getenv("XDG_CONFIG_HOME")
	if cfgDir != "" {
		fPath = filepath.Join(cfgDir, appName, "config.toml")
		/* #nosec */
		if cfgFile, err := os.Open(fPath); err == nil {
			return cfgFile, fPath, nil
		}
	}

	u, err := user.Current()
	if err == nil && u.HomeDir != "" {
		fPath = filepath.Join(u.HomeDir, ".config", appName, "config.toml")
		/* #nosec */
		if cfgFile, err := os.Open(fPath); err == nil {
			return cfgFile, fPath, nil
		}
	}

	fPath = filepath.Join("/etc", appName, "config.toml")
	/* #nosec */
	cfgFile, err := os.Open(fPath)
	return cfgFile, fPath, err
}

// expandHome replaces a leading ~ with the home directory of the current user.
func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	u, err := user.Current()
	if err != nil || u.HomeDir == "" {
		return p
	}
	return filepath.Join(u.HomeDir, p[1:])
}

func getColor(name string) tcell.Color {
	return tcell.GetColor(name)
}

// applyTheme sets the global tview styles from the theme named in the config.
func applyTheme(cfg config) {
	var cfgTheme *theme
	for i := range cfg.Theme {
		t := cfg.Theme[i]
		if t.Name == cfg.UI.Theme {
			cfgTheme = &t
			break
		}
	}
	if cfgTheme == nil {
		return
	}
	set := func(dst *tcell.Color, name string) {
		if name != "" {
			*dst = getColor(name)
		}
	}
	set(&tview.Styles.PrimitiveBackgroundColor, cfgTheme.PrimitiveBackgroundColor)
	set(&tview.Styles.ContrastBackgroundColor, cfgTheme.ContrastBackgroundColor)
	set(&tview.Styles.MoreContrastBackgroundColor, cfgTheme.MoreContrastBackgroundColor)
	set(&tview.Styles.BorderColor, cfgTheme.BorderColor)
	set(&tview.Styles.TitleColor, cfgTheme.TitleColor)
	set(&tview.Styles.GraphicsColor, cfgTheme.GraphicsColor)
	set(&tview.Styles.PrimaryTextColor, cfgTheme.PrimaryTextColor)
	set(&tview.Styles.SecondaryTextColor, cfgTheme.SecondaryTextColor)
	set(&tview.Styles.TertiaryTextColor, cfgTheme.TertiaryTextColor)
	set(&tview.Styles.InverseTextColor, cfgTheme.InverseTextColor)
	set(&tview.Styles.ContrastSecondaryTextColor, cfgTheme.ContrastSecondaryTextColor)
}
