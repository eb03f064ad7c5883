package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// ReceiptCode returns a short printable code such as RCP-20260102-9F3A1C0B.
func ReceiptCode(prefix string, at time.Time) string {
	id := uuid.New()
	suffix := strings.ToUpper(strings.ReplaceAll(id.String(), "-", "")[:8])
	return fmt.Sprintf("%s-%s-%s", prefix, at.UTC().Format("20060102"), suffix)
}
