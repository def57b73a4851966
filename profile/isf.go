package profile

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

// The subset of Volatility3's intermediate symbol format a profile needs:
// the EPROCESS field layout and a handful of kernel anchor symbols.
type isfFile struct {
	UserTypes map[string]isfType   `json:"user_types"`
	Symbols   map[string]isfSymbol `json:"symbols"`
}

type isfType struct {
	Kind   string              `json:"kind"`
	Fields map[string]isfField `json:"fields"`
}

type isfField struct {
	Offset uint64 `json:"offset"`
}

type isfSymbol struct {
	Address uint64 `json:"address"`
}

// isfFieldNames maps EPROCESS members to the profile's offset vocabulary.
var isfFieldNames = map[string]string{
	"ActiveProcessLinks": OffsetTasks,
	"UniqueProcessId":    OffsetPID,
	"ImageFileName":      OffsetName,
	"Peb":                OffsetPEB,
	"ThreadListHead":     OffsetThreads,
	"DirectoryTableBase": OffsetDTB,
}

// isfSymbolNames are the kernel anchors worth carrying over. Symbol files
// hold tens of thousands of entries; the passes only ever resolve these.
var isfSymbolNames = []string{
	SymProcessListHead,
	"PsInitialSystemProcess",
	"PsLoadedModuleList",
	"KdDebuggerDataBlock",
}

// LoadISF builds a profile from a Volatility3 symbol file, .json or .json.xz.
// Symbol addresses in these files are RVAs, so the caller still has to supply
// the run-time kernel base and directory table base before opening a session.
func LoadISF(path string) (*Profile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open symbol file: %v", err)
	}
	defer file.Close()

	var r io.Reader = file
	if strings.HasSuffix(path, ".xz") {
		xr, err := xz.NewReader(file)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress symbol file: %v", err)
		}
		r = xr
	}

	var isf isfFile
	if err := json.NewDecoder(r).Decode(&isf); err != nil {
		return nil, fmt.Errorf("failed to parse symbol file %s: %v", path, err)
	}

	eprocess, ok := findProcessType(isf.UserTypes)
	if !ok {
		return nil, fmt.Errorf("no EPROCESS structure in symbol file %s", path)
	}

	p := &Profile{
		Name:    strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".xz"), ".json"),
		OSType:  "Windows",
		Offsets: make(map[string]uint64),
		Symbols: make(map[string]uint64),
	}
	for member, name := range isfFieldNames {
		if field, ok := eprocess.Fields[member]; ok {
			p.Offsets[name] = field.Offset
		}
	}
	for _, name := range isfSymbolNames {
		if sym, ok := isf.Symbols[name]; ok {
			p.Symbols[name] = sym.Address
		}
	}
	return p, nil
}

func findProcessType(types map[string]isfType) (isfType, bool) {
	for name, t := range types {
		if strings.Contains(name, "EPROCESS") && t.Kind == "struct" {
			return t, true
		}
	}
	return isfType{}, false
}
