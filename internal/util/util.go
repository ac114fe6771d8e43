package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULIDs sort by creation time, which keeps task ids aligned with the
// created_at ordering the worker claims in.
func NewTaskID() string {
	return "task_" + ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

func NewTimerID() string {
	return "tmr_" + ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

// RenderTemplate does simple {var} substitution. Admin template content
// uses {user_name} and {recipient_name}.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
