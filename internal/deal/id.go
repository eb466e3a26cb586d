package deal

import (
	"fmt"
	"regexp"
	"time"
)

var idPattern = regexp.MustCompile(`^FLX\d{2}-\d{16}$`)

// NewID builds a transaction id of the form FLX{YY}-{MMDDHHMMSSffffff}
func NewID(now time.Time) string {
	return fmt.Sprintf("FLX%s-%s%06d", now.Format("06"), now.Format("0102150405"), now.Nanosecond()/1000)
}

// ValidID checks the transaction id format
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
