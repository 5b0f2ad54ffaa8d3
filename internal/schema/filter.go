package schema

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// Statements wrapped around a filtered script
const (
	FilterPrologue = "set nocount on\ndeclare @xmls nvarchar(max)\n\n"
	FilterEpilogue = "set nocount off\n"
)

const (
	beginMarker = "print ('Syncing"
	endPrefix   = "print ('"
	endKeyword  = "synchronized"
)

// TableBlock is the statement range that syncs one table, markers included.
type TableBlock struct {
	Table string
	Text  string
}

type scanState int

const (
	stateOutside scanState = iota
	stateInBlock
)

// blockScanner splits a script into table blocks, one line at a time.
type blockScanner struct {
	state   scanState
	table   string
	current strings.Builder
	blocks  []TableBlock
	index   map[string]int
	log     zerolog.Logger
}

func newBlockScanner(log zerolog.Logger) *blockScanner {
	return &blockScanner{index: make(map[string]int), log: log}
}

// beginTable returns the table named by a begin marker line.
func beginTable(trimmed string) (string, bool) {
	if !strings.HasPrefix(trimmed, beginMarker) {
		return "", false
	}
	fields := strings.Fields(trimmed)
	if len(fields) < 3 {
		return "", false
	}
	return strings.TrimRight(fields[2], `')";,.`), true
}

func isEnd(trimmed string) bool {
	return strings.HasPrefix(trimmed, endPrefix) && strings.Contains(trimmed, endKeyword)
}

// feed consumes one line, line terminator included.
func (s *blockScanner) feed(line string) {
	trimmed := strings.TrimSpace(line)

	if table, ok := beginTable(trimmed); ok {
		if s.state == stateInBlock {
			s.log.Warn().
				Str("table", s.table).
				Str("next", table).
				Msg("Block started before previous one ended, discarding previous")
		}
		if table == "" {
			s.log.Warn().Str("line", trimmed).Msg("Begin marker without table name, ignoring")
			s.state = stateOutside
			return
		}
		s.state = stateInBlock
		s.table = table
		s.current.Reset()
		s.current.WriteString(line)
		return
	}

	if s.state != stateInBlock {
		return
	}
	s.current.WriteString(line)
	if isEnd(trimmed) {
		s.emit()
	}
}

func (s *blockScanner) emit() {
	block := TableBlock{Table: s.table, Text: s.current.String()}
	if i, ok := s.index[block.Table]; ok {
		s.log.Warn().Str("table", block.Table).Msg("Table appears twice in script, keeping last block")
		s.blocks[i] = block
	} else {
		s.index[block.Table] = len(s.blocks)
		s.blocks = append(s.blocks, block)
	}
	s.state = stateOutside
	s.table = ""
	s.current.Reset()
}

func (s *blockScanner) finish() []TableBlock {
	if s.state == stateInBlock {
		s.log.Warn().Str("table", s.table).Msg("Script ended inside a block, discarding it")
		s.state = stateOutside
	}
	return s.blocks
}

// ParseBlocks returns the table blocks of a script in script order.
func ParseBlocks(r io.Reader, log zerolog.Logger) ([]TableBlock, error) {
	s := newBlockScanner(log)
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			s.feed(line)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}
	}
	return s.finish(), nil
}

// BuildFiltered assembles a script holding only the blocks for tables, in
// the order given. Any unknown table fails the whole call.
func BuildFiltered(blocks []TableBlock, tables []string) (string, error) {
	byName := make(map[string]string, len(blocks))
	for _, b := range blocks {
		byName[b.Table] = b.Text
	}

	var missing []string
	for _, t := range tables {
		if _, ok := byName[t]; !ok {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return "", &FilterError{Missing: missing}
	}

	var out strings.Builder
	out.WriteString(FilterPrologue)
	emitted := make(map[string]bool, len(tables))
	for _, t := range tables {
		if emitted[t] {
			continue
		}
		emitted[t] = true
		out.WriteString(byName[t])
		out.WriteString("\n")
	}
	out.WriteString(FilterEpilogue)
	return out.String(), nil
}

// Filter narrows a downloaded script to a set of tables.
type Filter struct {
	log zerolog.Logger
}

// NewFilter creates a filter
func NewFilter(log zerolog.Logger) *Filter {
	return &Filter{log: log.With().Str("component", "filter").Logger()}
}

// FilterFile writes filtered_<name> next to scriptPath and returns its path.
// With allTables set the script is used as is and scriptPath is returned.
// On error no file is written.
func (f *Filter) FilterFile(scriptPath string, tables []string, allTables bool) (string, error) {
	if allTables {
		f.log.Info().Str("file", scriptPath).Msg("All tables requested, skipping filter")
		return scriptPath, nil
	}

	src, err := os.Open(scriptPath)
	if err != nil {
		return "", fmt.Errorf("failed to open script: %w", err)
	}
	blocks, err := ParseBlocks(src, f.log)
	src.Close()
	if err != nil {
		return "", err
	}

	script, err := BuildFiltered(blocks, tables)
	if err != nil {
		f.log.Error().Err(err).Int("blocks", len(blocks)).Msg("Filter failed")
		return "", err
	}

	out := filepath.Join(filepath.Dir(scriptPath), "filtered_"+filepath.Base(scriptPath))
	if err := os.WriteFile(out, []byte(script), 0644); err != nil {
		return "", fmt.Errorf("failed to write filtered script: %w", err)
	}

	f.log.Info().
		Str("file", out).
		Int("blocks", len(blocks)).
		Strs("tables", tables).
		Msg("Script filtered")
	return out, nil
}
