package changelog

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/loykin/changerun/internal/constants"
	"github.com/loykin/changerun/internal/util"
)

// Changeset is one "--changeset author:id" block of a formatted SQL file.
type Changeset struct {
	ID              string
	Author          string
	Filename        string
	Comment         string
	Tag             string
	SQL             string
	Statements      []string
	Rollback        string
	RunAlways       bool
	RunOnChange     bool
	FailOnError     bool
	ValidChecksums  []string
	Checksum        string
	splitStatements bool
	endDelimiter    string
}

// Key identifies a changeset in the ledger.
func (c *Changeset) Key() string {
	return c.ID + "::" + c.Author + "::" + c.Filename
}

var (
	changesetRe = regexp.MustCompile(`^--\s*changeset\s+([^\s:]+):(\S+)(.*)$`)
	attrRe      = regexp.MustCompile(`(\w+):("[^"]*"|\S+)`)
	directiveRe = regexp.MustCompile(`^--\s*(comment|tagDatabase|validCheckSum)\s*:\s*(.*)$`)
	rollbackRe  = regexp.MustCompile(`^--\s*rollback\b:?\s*(.*)$`)
)

// ParseFormattedSQL parses a Liquibase formatted SQL changelog. filename is
// the logical path recorded in the ledger. ${name} references in SQL are
// expanded from params.
func ParseFormattedSQL(filename string, content []byte, params map[string]string) ([]*Changeset, error) {
	sc := bufio.NewScanner(bytes.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		out    []*Changeset
		cur    *Changeset
		body   strings.Builder
		rb     strings.Builder
		lineNo int
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.SQL = strings.TrimSpace(util.ExpandParams(body.String(), params))
		cur.Rollback = strings.TrimSpace(util.ExpandParams(rb.String(), params))
		cur.Statements = splitStatements(cur.SQL, cur.splitStatements, cur.endDelimiter)
		cur.Checksum = Checksum(cur.SQL)
		out = append(out, cur)
		body.Reset()
		rb.Reset()
	}

	for sc.Scan() {
		lineNo++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)

		if cur == nil && strings.EqualFold(trimmed, constants.FormattedSQLHeader) {
			continue
		}

		if m := changesetRe.FindStringSubmatch(trimmed); m != nil {
			flush()
			cs, err := newChangeset(filename, m[1], m[2], m[3])
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", filename, lineNo, err)
			}
			cur = cs
			continue
		}
		if cur == nil {
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			return nil, fmt.Errorf("%s:%d: sql outside of a changeset", filename, lineNo)
		}
		if m := rollbackRe.FindStringSubmatch(trimmed); m != nil {
			rb.WriteString(m[1])
			rb.WriteByte('\n')
			continue
		}
		if m := directiveRe.FindStringSubmatch(trimmed); m != nil {
			val := strings.TrimSpace(m[2])
			switch m[1] {
			case "comment":
				cur.Comment = val
			case "tagDatabase":
				cur.Tag = val
			case "validCheckSum":
				cur.ValidChecksums = append(cur.ValidChecksums, strings.Fields(val)...)
			}
			continue
		}
		body.WriteString(line)
		body.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", filename, err)
	}
	flush()
	return out, nil
}

func newChangeset(filename, author, id, rest string) (*Changeset, error) {
	cs := &Changeset{
		ID:              id,
		Author:          author,
		Filename:        filename,
		FailOnError:     true,
		splitStatements: true,
		endDelimiter:    ";",
	}
	for _, m := range attrRe.FindAllStringSubmatch(rest, -1) {
		key, val := m[1], strings.Trim(m[2], `"`)
		switch key {
		case "runAlways", "runOnChange", "failOnError", "splitStatements":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("invalid %s value %q", key, val)
			}
			switch key {
			case "runAlways":
				cs.RunAlways = b
			case "runOnChange":
				cs.RunOnChange = b
			case "failOnError":
				cs.FailOnError = b
			case "splitStatements":
				cs.splitStatements = b
			}
		case "endDelimiter":
			if val != "" {
				cs.endDelimiter = val
			}
		}
		// contexts, labels, dbms and friends are accepted and ignored
	}
	return cs, nil
}

// splitStatements splits sql on delimiter occurring at the end of a line.
// Comment-only fragments are dropped.
func splitStatements(sql string, split bool, delimiter string) []string {
	if sql == "" {
		return nil
	}
	if !split {
		return nonEmpty([]string{strings.TrimSuffix(sql, delimiter)})
	}
	var (
		out []string
		cur strings.Builder
	)
	for _, line := range strings.Split(sql, "\n") {
		trimmed := strings.TrimRight(line, " \t\r")
		if strings.HasSuffix(trimmed, delimiter) {
			cur.WriteString(strings.TrimSuffix(trimmed, delimiter))
			out = append(out, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	out = append(out, cur.String())
	return nonEmpty(out)
}

func nonEmpty(stmts []string) []string {
	out := stmts[:0]
	for _, s := range stmts {
		s = strings.TrimSpace(s)
		if s == "" || onlyComments(s) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func onlyComments(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		l := strings.TrimSpace(line)
		if l != "" && !strings.HasPrefix(l, "--") {
			return false
		}
	}
	return true
}

// Checksum returns the "9:<md5>" checksum of sql with whitespace normalized.
func Checksum(sql string) string {
	normalized := strings.Join(strings.Fields(sql), " ")
	sum := md5.Sum([]byte(normalized)) // #nosec G401 -- ledger compatibility, not security
	return "9:" + hex.EncodeToString(sum[:])
}
