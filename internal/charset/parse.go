package charset

import (
	"strconv"
	"strings"
)

// NameInfoUndef is the drive value used when no drive number was present
// in the raw name (NAMEINFO_UNDEF in the original implementation).
const NameInfoUndef = -1

// AccessMode is the letter following a ",": R/W/A/M.
type AccessMode byte

const (
	AccessNone  AccessMode = 0
	AccessRead  AccessMode = 'R'
	AccessWrite AccessMode = 'W'
	AccessApp   AccessMode = 'A'
	AccessMod   AccessMode = 'M'
)

// Command is a drive command matched by prefix out of a closed set.
type Command int

const (
	CmdNone Command = iota
	CmdInitialize
	CmdValidate
	CmdScratch
	CmdRename
	CmdCopy
	CmdChdir
	CmdMkdir
	CmdRmdir
	CmdBlock
)

var commandNames = []struct {
	name string
	cmd  Command
}{
	{"INITIALIZE", CmdInitialize},
	{"VALIDATE", CmdValidate},
	{"SCRATCH", CmdScratch},
	{"RENAME", CmdRename},
	{"COPY", CmdCopy},
	{"CHDIR", CmdChdir},
	{"MKDIR", CmdMkdir},
	{"RMDIR", CmdRmdir},
	{"BLOCK", CmdBlock},
}

// NameInfo is the parsed structure of a raw host file name, per spec.md
// §4.1 parse_filename.
type NameInfo struct {
	Drive      int // NameInfoUndef if absent
	Command    Command
	AccessMode AccessMode
	Options    string // the comma-separated tail beyond filename and access mode
	Filename   string
}

// ParseFilename splits a raw host name buffer into drive, command, access
// mode and filename, per spec.md §4.1.
//
// Examples (see spec.md §8 scenario 4):
//
//	"1:TEST.PRG,P,W" -> drive=1, filename="TEST.PRG", options="P,W" (access=W)
//	"S0:*"           -> drive=0, command=SCRATCH, filename="*"
func ParseFilename(raw string) NameInfo {
	ni := NameInfo{Drive: NameInfoUndef}

	s := raw

	// A single leading letter (matched by prefix, at least one character)
	// against the closed command set, immediately followed by a drive
	// number and ':', selects a command (e.g. "S0:*", "R0:NEW=OLD").
	if len(s) > 0 {
		upper := strings.ToUpper(s)
		for _, c := range commandNames {
			// Match by longest shared prefix of at least 1 char, where
			// the matched prefix is immediately followed by a digit or ':'.
			for n := len(c.name); n >= 1; n-- {
				if len(upper) >= n && upper[:n] == c.name[:n] {
					rest := s[n:]
					if len(rest) > 0 && (isDigit(rest[0]) || rest[0] == ':') {
						ni.Command = c.cmd
						s = rest
						goto commandMatched
					}
				}
			}
		}
	}
commandMatched:

	// Drive number: one or two digits immediately before ':'.
	if colon := strings.IndexByte(s, ':'); colon > 0 {
		digits := s[:colon]
		if isAllDigits(digits) {
			if d, err := strconv.Atoi(digits); err == nil && d >= 0 && d <= 15 {
				ni.Drive = d
				s = s[colon+1:]
			}
		}
	} else if colon == 0 {
		s = s[1:]
	}

	// Split filename from the comma-separated options tail.
	if comma := strings.IndexByte(s, ','); comma >= 0 {
		ni.Filename = s[:comma]
		ni.Options = s[comma+1:]
		if len(ni.Options) > 0 {
			mode := ni.Options[0]
			switch mode {
			case 'R', 'W', 'A', 'M':
				// Only a bare access-mode letter (optionally followed by
				// more comma fields) sets AccessMode; a type letter like
				// "P" in "TEST,P,W" is not itself a mode.
				if len(ni.Options) == 1 || ni.Options[1] == ',' {
					ni.AccessMode = AccessMode(mode)
				}
			}
			// Scan remaining comma fields for a trailing mode letter,
			// e.g. "TEST,P,W" -> mode W.
			fields := strings.Split(ni.Options, ",")
			for _, f := range fields {
				if len(f) == 1 {
					switch f[0] {
					case 'R', 'W', 'A', 'M':
						ni.AccessMode = AccessMode(f[0])
					}
				}
			}
		}
	} else {
		ni.Filename = s
	}

	return ni
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}
