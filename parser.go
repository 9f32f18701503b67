package squeezer

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
)

// listResponse is the aggregated outcome of one parse pass over a
// response line: the page window, per-descriptor totals and item lists,
// and the tagged parameters needed to request the next page.
type listResponse struct {
	cmd *Command

	// playerID and prefix are the raw positional tokens, kept encoded so
	// follow-up requests echo them verbatim. Empty when the command does
	// not carry them.
	playerID string
	prefix   string

	start     int
	requested int

	correlationID int
	rescan        bool

	// actions counts interleaved control entries the server includes in
	// the reported totals; it is subtracted before dispatch.
	actions int

	sticky map[string]string // key -> raw token, echoed on follow-up pages
	params map[string]string // informational, surfaced to the callback
	counts map[string]int    // count key -> reported total
	lists  [][]Item          // parallel to cmd.Parsers
}

// parseList reconstructs the typed record lists carried by one tokenized
// response line. It scans the token stream with two states, no open
// record and an open record owned by one parser descriptor: a count key
// stores that descriptor's total, an item-delimiter key finalizes any
// open record and opens a new one under the matching descriptor, and any
// other key lands in the open record, the sticky set, or the
// informational parameters, in that order of precedence.
//
// A token without the key/value separator aborts the whole line: the
// engine dispatches nothing rather than a partial list.
func parseList(cmd *Command, tokens []string, factory ItemFactory, logger *slog.Logger) (*listResponse, error) {
	ofs := cmd.offset()
	if len(tokens) < ofs+2 {
		return nil, fmt.Errorf("%w: %q needs %d positional fields, got %d tokens",
			ErrMalformedToken, cmd.Name, ofs+2, len(tokens))
	}

	lr := &listResponse{
		cmd:       cmd,
		start:     ParseIntOrZero(tokens[ofs]),
		requested: ParseIntOrZero(tokens[ofs+1]),
		sticky:    make(map[string]string),
		params:    make(map[string]string),
		counts:    make(map[string]int),
		lists:     make([][]Item, len(cmd.Parsers)),
	}
	if cmd.PlayerSpecific {
		lr.playerID = tokens[0]
	}
	if cmd.Prefixed {
		lr.prefix = tokens[cmd.start()-1]
	}

	countKeys := make(map[string]struct{}, len(cmd.Parsers))
	delims := make(map[string]int, len(cmd.Parsers))
	for i, p := range cmd.Parsers {
		countKeys[p.CountKey] = struct{}{}
		delims[p.SplitKey] = i
	}

	open := -1 // descriptor owning the open record, -1 while scanning
	var record Record
	finalize := func() {
		if record == nil {
			return
		}
		item, err := factory.Build(cmd.Parsers[open].Kind, record)
		if err != nil {
			logger.Warn("dropping record", "cmd", cmd.Name, "kind", cmd.Parsers[open].Kind, "err", err)
			record = nil
			return
		}
		lr.lists[open] = append(lr.lists[open], item)
		record = nil
	}

	for _, token := range tokens[ofs+2:] {
		key, value, err := SplitTag(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", err, token)
		}

		switch key {
		case "rescan":
			lr.rescan = ParseIntOrZero(value) == 1
		case "correlationid":
			lr.correlationID = ParseIntOrZero(value)
			lr.sticky[key] = token
		case "actions":
			// The server interleaves control entries that are included in
			// the reported count but are not data items.
			lr.actions++
		}

		if _, ok := countKeys[key]; ok {
			lr.counts[key] = ParseIntOrZero(value)
			continue
		}
		if i, ok := delims[key]; ok {
			finalize()
			open = i
			record = make(Record)
		}
		switch {
		case record != nil:
			record[key] = value
		case cmd.Sticky(key):
			lr.sticky[key] = token
		default:
			lr.params[key] = value
		}
	}
	finalize()

	return lr, nil
}

// dispatch invokes fn once for every parser descriptor that received an
// explicit count in this response, or whose window starts at zero. A
// descriptor with neither is not dispatched this round: its items were
// already delivered on a prior page. Returns the largest reported total
// across the dispatched descriptors.
func (lr *listResponse) dispatch(fn ItemsFunc) int {
	max := 0
	for i, p := range lr.cmd.Parsers {
		count, ok := lr.counts[p.CountKey]
		if !ok && lr.start != 0 {
			continue
		}
		fn(count-lr.actions, lr.start, lr.params, lr.lists[i], p.Kind)
		if count > max {
			max = count
		}
	}
	return max
}

// nextWindow decides, after a dispatch round, whether a follow-up page is
// needed. end is where this response's window stops; while it is not
// aligned on a page-size boundary and the largest reported total lies
// beyond it, the next request covers start=end and at most one page,
// trimmed so it never overshoots the total.
func nextWindow(start, requested, max, pageSize int) (nextStart, nextCount int, done bool) {
	end := start + requested
	if end%pageSize != 0 && end < max {
		count := pageSize
		if end+pageSize > max {
			count = max - end
		}
		return end, count, false
	}
	return 0, 0, true
}

// followUp builds the command line requesting the window [start,
// start+count) of the same logical query, reusing the player id, the
// sub-command prefix and every sticky parameter of this response. Sticky
// tokens are re-sent verbatim, in stable order.
func (lr *listResponse) followUp(start, count int) string {
	var sb strings.Builder
	if lr.playerID != "" {
		sb.WriteString(lr.playerID)
		sb.WriteByte(' ')
	}
	if lr.prefix != "" {
		sb.WriteString(lr.prefix)
		sb.WriteByte(' ')
	}
	sb.WriteString(lr.cmd.Name)
	sb.WriteByte(' ')
	sb.WriteString(strconv.Itoa(start))
	sb.WriteByte(' ')
	sb.WriteString(strconv.Itoa(count))

	keys := make([]string, 0, len(lr.sticky))
	for k := range lr.sticky {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteByte(' ')
		sb.WriteString(lr.sticky[k])
	}
	return sb.String()
}
