package render

import (
	"fmt"
	"os"
	"time"
)

// LogFileName builds the default log file name from a prefix and the
// current time, flowbench-20060102-150405.log style.
func LogFileName(prefix string, now time.Time) string {
	return prefix + "flowbench-" + now.Format("20060102-150405") + ".log"
}

// OpenLogFile opens the report log file for writing. Unless clobber is
// set, an existing file is refused rather than overwritten.
func OpenLogFile(name string, clobber bool) (*os.File, error) {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if clobber {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	fp, err := os.OpenFile(name, flags, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("log file %q exists, not overwriting without explicit permission", name)
		}
		return nil, err
	}
	return fp, nil
}
