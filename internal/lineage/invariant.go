package lineage

import (
	"fmt"
	"log/slog"
)

// check aborts the process when an invariant the caller relies on does not
// hold. Every call site here corresponds to a "Fatal" entry in the error
// handling table: a tripped check means local state is already corrupted
// and continuing risks silent data loss, so we do not try to recover.
func check(cond bool, format string, args ...any) {
	if cond {
		return
	}
	msg := fmt.Sprintf(format, args...)
	slog.Error("lineage invariant violation", "error", msg)
	panic("lineage: " + msg)
}
