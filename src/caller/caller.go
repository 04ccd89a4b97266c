// Package caller provides call-stack dumping used when the kernel reports a
// fault or an unexpected internal condition to the console.
package caller

import (
	"fmt"
	"runtime"
)

// Dump formats the call stack starting at the given skip depth into a
// string suitable for a single kprintf call.
func Dump(skip int) string {
	i := skip
	s := ""
	for {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		i++
		if s == "" {
			s = fmt.Sprintf("%s:%d\n", f, l)
		} else {
			s += fmt.Sprintf("\t<-%s:%d\n", f, l)
		}
	}
	return s
}
