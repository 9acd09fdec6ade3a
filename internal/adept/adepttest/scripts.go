package adepttest

import (
	"os"
	"path/filepath"
	"testing"
)

// Scripts are shell stand-ins for the three ADEPT tools, for tests that go
// through adept.ExecRunner. The downloader writes "EPUB:" plus the voucher,
// or prints FailMarker's error and exits 1 when the voucher contains
// FailMarker. The remover prefixes "DRMFREE:" in place.
type Scripts struct {
	Activate string
	Download string
	Remove   string
}

// FailMarker makes the scripted downloader reject a voucher.
const FailMarker = "FAIL"

// DownloadFailure is what the scripted downloader prints on rejection.
const DownloadFailure = "E_LIC_ALREADY_FULFILLED_BY_ANOTHER_USER"

const activateScript = `#!/bin/sh
# adept_activate -a -O <dir>
mkdir -p "$3" && echo device > "$3/device.xml"
`

const downloadScript = `#!/bin/sh
# acsmdownloader -D <dir> -o <out> <license>
out="$4"
lic="$5"
if grep -q ` + FailMarker + ` "$lic"; then
	echo ` + DownloadFailure + `
	exit 1
fi
{ printf 'EPUB:'; cat "$lic"; } > "$out"
`

const removeScript = `#!/bin/sh
# adept_remove -o <book> -D <dir> <book>
book="$2"
{ printf 'DRMFREE:'; cat "$book"; } > "$book.tmp" && mv "$book.tmp" "$book"
`

// WriteScripts installs the scripts in a temporary directory.
func WriteScripts(tb testing.TB) Scripts {
	tb.Helper()
	dir := tb.TempDir()

	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(body), 0o755); err != nil {
			tb.Fatalf("write %s: %v", name, err)
		}
		return p
	}

	return Scripts{
		Activate: write("adept_activate", activateScript),
		Download: write("acsmdownloader", downloadScript),
		Remove:   write("adept_remove", removeScript),
	}
}
