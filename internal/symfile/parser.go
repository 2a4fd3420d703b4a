package symfile

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ErrParse wraps an underlying reader failure. Content errors (a
// malformed PUBLIC/FUNC line) are never surfaced this way — they are
// logged and skipped.
var ErrParse = fmt.Errorf("symfile: failed to read symbol stream")

// maxTokenSize enlarges bufio.Scanner's line buffer: mangled C++
// symbol names on a single PUBLIC/FUNC line can run well past the
// default 64KiB token size.
const maxTokenSize = 1 << 20

// Parser turns a Breakpad .sym byte stream into a Table.
type Parser struct {
	logger *zap.Logger
}

// NewParser builds a Parser that logs skipped/malformed lines to logger.
// A nil logger is replaced with a no-op logger.
func NewParser(logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{logger: logger}
}

// Parse scans r line by line, recognizing PUBLIC and FUNC records and
// ignoring everything else (MODULE, FILE, LINE, INFO, blank lines,
// unrecognized prefixes). A stream that yields zero valid entries
// still produces a non-nil, empty Table — that is not an error
// condition. Parse only returns a non-nil error if the underlying
// reader itself fails.
func (p *Parser) Parse(r io.Reader) (*Table, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxTokenSize)

	byAddress := make(map[uint64]string)
	var publicCount, funcCount, skippedCount int
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, "PUBLIC "):
			addr, name, ok := parsePublic(line)
			if !ok {
				skippedCount++
				p.logger.Debug("symfile: skipping malformed PUBLIC line", zap.Int("line", lineNum))
				continue
			}
			byAddress[addr] = name
			publicCount++
		case strings.HasPrefix(line, "FUNC "):
			addr, name, ok := parseFunc(line)
			if !ok {
				skippedCount++
				p.logger.Debug("symfile: skipping malformed FUNC line", zap.Int("line", lineNum))
				continue
			}
			byAddress[addr] = name
			funcCount++
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	p.logger.Debug("symfile: parsed symbol stream",
		zap.Int("entries", len(byAddress)),
		zap.Int("public_lines", publicCount),
		zap.Int("func_lines", funcCount),
		zap.Int("skipped_lines", skippedCount))

	return newTable(byAddress), nil
}

// parsePublic handles "PUBLIC <hex_addr> <ignored> <name...>", requiring
// at least 4 whitespace-separated fields.
func parsePublic(line string) (addr uint64, name string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return 0, "", false
	}
	addr, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return 0, "", false
	}
	return addr, strings.Join(fields[3:], " "), true
}

// parseFunc handles "FUNC <hex_addr> <ignored> <ignored> <name...>",
// requiring at least 5 whitespace-separated fields.
func parseFunc(line string) (addr uint64, name string, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return 0, "", false
	}
	addr, err := strconv.ParseUint(fields[1], 16, 64)
	if err != nil {
		return 0, "", false
	}
	return addr, strings.Join(fields[4:], " "), true
}
