package taskstore

import (
	"encoding/csv"
	"fmt"
	"hash/fnv"
	"io"
	"strconv"
	"strings"

	"wasched/internal/schedule"
)

// Header is the column order written on every save. The first twelve columns
// match files produced before task ids existed; id is appended last.
var Header = []string{
	"type", "group_id", "body", "poll_options", "image_url", "send_at",
	"sent", "status", "message_id", "error_details", "sent_at", "subgroup_id", "id",
}

func encode(w io.Writer, tasks []schedule.Task) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	row := make([]string, len(Header))
	for _, t := range tasks {
		row[0] = string(t.Kind)
		row[1] = t.Recipient
		row[2] = schedule.NormalizeNewlines(t.Body)
		row[3] = schedule.NormalizeNewlines(schedule.JoinPollOptions(t.PollOptions))
		row[4] = t.ImageURL
		row[5] = formatSendAt(t.SendAt)
		row[6] = t.Sent.String()
		row[7] = string(t.Status)
		row[8] = t.MessageID
		row[9] = schedule.NormalizeNewlines(t.ErrorDetails)
		row[10] = t.SentAt
		row[11] = t.SubgroupID
		row[12] = t.ID
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// decode reads rows by column name, so reordered or extra columns are tolerated.
// It reports whether any row lacked an id and received a derived one.
func decode(r io.Reader) ([]schedule.Task, bool, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	head, err := cr.Read()
	if err == io.EOF {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	col := make(map[string]int, len(head))
	for i, h := range head {
		col[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var (
		out     []schedule.Task
		derived bool
	)
	for idx := 0; ; idx++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if blank(rec) {
			idx--
			continue
		}
		t := schedule.Task{
			ID:           strings.TrimSpace(field(rec, "id")),
			Kind:         parseKind(field(rec, "type")),
			Recipient:    field(rec, "group_id"),
			Body:         field(rec, "body"),
			PollOptions:  schedule.SplitPollOptions(field(rec, "poll_options")),
			ImageURL:     field(rec, "image_url"),
			SendAt:       parseSendAt(field(rec, "send_at")),
			Sent:         schedule.ParseSent(field(rec, "sent")),
			Status:       schedule.ParseStatus(field(rec, "status")),
			MessageID:    field(rec, "message_id"),
			ErrorDetails: field(rec, "error_details"),
			SentAt:       field(rec, "sent_at"),
			SubgroupID:   field(rec, "subgroup_id"),
		}
		if t.ID == "" {
			t.ID = legacyID(t, idx)
			derived = true
		}
		out = append(out, t)
	}
	return out, derived, nil
}

// legacyID gives rows written without an id a stable identity. It mirrors the
// old kind/recipient/send_at/position scheme and is persisted on the next save.
func legacyID(t schedule.Task, idx int) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d|%d", t.Kind, t.Recipient, t.SendAt, idx)
	return fmt.Sprintf("legacy-%016x", h.Sum64())
}

// parseKind keeps unknown values verbatim so a save never rewrites them.
func parseKind(raw string) schedule.Kind {
	k, err := schedule.ParseKind(raw)
	if err != nil {
		return schedule.Kind(strings.TrimSpace(raw))
	}
	return k
}

func parseSendAt(raw string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func formatSendAt(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func blank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
