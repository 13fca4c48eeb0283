// Copyright 2024 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"
	"strings"

	"golang.org/x/text/message"
)

// printAbout writes the version, platform, config file, and server in use to
// w.
// If showBuildInfo is set the embedded build information is included.
func printAbout(w io.Writer, cfgPath, server string, showBuildInfo bool, p *message.Printer) error {
	var (
		commit   = Commit
		modified string
		vcs      string
	)
	buildInfo, ok := debug.ReadBuildInfo()
	if ok {
		for _, setting := range buildInfo.Settings {
			switch setting.Key {
			case "vcs.revision":
				commit = setting.Value
			case "vcs.modified":
				if setting.Value == "true" {
					modified = "*"
				}
			case "vcs":
				vcs = setting.Value
			}
		}
	}

	// Search for the config file (if no file was explicitly provided), and make
	// sure the file can be read either way.
	f, cfgPath, err := configFile(cfgPath)
	if err != nil {
		cfgPath = p.Sprintf("none, using defaults")
	} else {
		/* #nosec */
		f.Close()
	}

	_, err = fmt.Fprintf(w, `%s

version:     %s
%s:    %s%s
go version:  %s
go compiler: %s
platform:    %s/%s
config file: %s
server:      %s
`,
		appName,
		Version, strings.TrimSpace(vcs+" hash"), modified, commit,
		runtime.Version(), runtime.Compiler, runtime.GOOS, runtime.GOARCH,
		cfgPath, server)
	if err != nil || !showBuildInfo {
		return err
	}
	if !ok {
		_, err = fmt.Fprint(w, p.Sprintf("\nFailed to read build info.\n"))
		return err
	}
	_, err = fmt.Fprintf(w, `
build info:

%s`, buildInfo)
	return err
}
