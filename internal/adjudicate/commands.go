package adjudicate

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	yaml "gopkg.in/yaml.v3"

	"github.com/park285/match-core/internal/engine"
)

//go:embed commands.yaml
var defaultCommands []byte

// CommandTable maps an interaction kind to the command that cancels or skips it.
// Tables are immutable once built.
type CommandTable struct {
	fallback string
	kinds    map[string]string
}

type tableFile struct {
	Fallback string            `yaml:"fallback"`
	Kinds    map[string]string `yaml:"kinds"`
}

// DefaultTable returns the embedded table.
func DefaultTable() *CommandTable {
	t, err := parseTable(&CommandTable{kinds: map[string]string{}}, defaultCommands)
	if err != nil {
		panic(fmt.Sprintf("embedded command table: %v", err))
	}
	return t
}

// LoadTable returns the embedded table with the rows of the YAML file at path applied
// on top. An empty path yields the defaults.
func LoadTable(path string) (*CommandTable, error) {
	base := DefaultTable()
	if strings.TrimSpace(path) == "" {
		return base, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read command table: %w", err)
	}
	t, err := parseTable(base, b)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return t, nil
}

func parseTable(base *CommandTable, b []byte) (*CommandTable, error) {
	var f tableFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	out := base.clone()
	if v := strings.TrimSpace(f.Fallback); v != "" {
		out.fallback = v
	}
	for kind, cmd := range f.Kinds {
		kind, cmd = strings.TrimSpace(kind), strings.TrimSpace(cmd)
		if kind == "" || cmd == "" {
			return nil, fmt.Errorf("empty kind or command in row %q: %q", kind, cmd)
		}
		out.kinds[kind] = cmd
	}
	if out.fallback == "" {
		out.fallback = engine.CmdInteractionCancel
	}
	return out, nil
}

func (t *CommandTable) clone() *CommandTable {
	out := &CommandTable{fallback: t.fallback, kinds: make(map[string]string, len(t.kinds))}
	for k, v := range t.kinds {
		out.kinds[k] = v
	}
	return out
}

// With returns a copy of t with one extra row.
func (t *CommandTable) With(kind, command string) *CommandTable {
	out := t.clone()
	out.kinds[kind] = command
	return out
}

// CommandFor returns the command type for kind, the fallback for unmapped kinds.
func (t *CommandTable) CommandFor(kind string) string {
	if cmd, ok := t.kinds[kind]; ok {
		return cmd
	}
	return t.fallback
}

// Kinds lists the mapped kinds in order.
func (t *CommandTable) Kinds() []string {
	out := make([]string, 0, len(t.kinds))
	for k := range t.kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SystemCommand builds the system-attributed command for a cancelling decision on
// behalf of the offline playerID.
func (t *CommandTable) SystemCommand(d Decision, playerID string, now int64) (engine.Command, error) {
	payload, err := json.Marshal(engine.InteractionPayload{InteractionID: d.InteractionID, PlayerID: playerID})
	if err != nil {
		return engine.Command{}, err
	}
	return engine.Command{
		Type:      t.CommandFor(d.Kind),
		PlayerID:  engine.SystemPlayerID,
		Payload:   payload,
		Origin:    engine.OriginSystem,
		Timestamp: now,
	}, nil
}
