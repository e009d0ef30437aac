// Package kfmt implements formatted output that is safe to use while the
// kernel is still bootstrapping its memory allocators.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufLen is the size of the scratch buffer used for formatting numbers.
// It fits a 64-bit value in base 8 plus a sign.
const numBufLen = 32

const digits = "0123456789abcdef"

var (
	errMissingArg   = []byte("%!(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numBuf [numBufLen]byte

	// oneByte is a shared buffer for passing single characters to doWrite.
	oneByte [1]byte

	// earlyBuffer captures Printf output until an output sink is attached.
	earlyBuffer ringBuffer

	// outputSink receives Printf output. When nil, output is redirected to
	// earlyBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and copies any output
// accumulated in the early buffer to it. Passing nil detaches the current sink.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyBuffer)
	}
}

// Printf is a minimal fmt.Printf that does not allocate memory, making it
// usable before the page allocators are online. It understands:
//
//	%s  string or []byte
//	%d  base 10 integer
//	%x  base 16 integer with lower-case letters
//	%o  base 8 integer
//	%t  bool
//	%%  a literal percent sign
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes.
//
// Arguments are not checked for io.Stringer; anything that is not one of the
// built-in string, integer or bool types prints %!(WRONGTYPE).
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var argIndex int

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		width := 0
		for i++; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 'd', 'x', 'o', 's', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		switch verb {
		case 'd':
			fmtInt(w, args[argIndex], 10, width)
		case 'x':
			fmtInt(w, args[argIndex], 16, width)
		case 'o':
			fmtInt(w, args[argIndex], 8, width)
		case 's':
			fmtString(w, args[argIndex], width)
		case 't':
			fmtBool(w, args[argIndex])
		}
		argIndex++
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		fmtRepeat(w, ' ', width-len(s))
		// converting s to a []byte would allocate
		for i := 0; i < len(s); i++ {
			writeByte(w, s[i])
		}
	case []byte:
		fmtRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// fmtInt formats an integer of any built-in type in the requested base.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		u   uint64
		neg bool
	)

	switch n := v.(type) {
	case uint8:
		u = uint64(n)
	case uint16:
		u = uint64(n)
	case uint32:
		u = uint64(n)
	case uint64:
		u = n
	case uint:
		u = uint64(n)
	case uintptr:
		u = uint64(n)
	case int8:
		u, neg = abs(int64(n))
	case int16:
		u, neg = abs(int64(n))
	case int32:
		u, neg = abs(int64(n))
	case int64:
		u, neg = abs(n)
	case int:
		u, neg = abs(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if width >= numBufLen {
		width = numBufLen - 1
	}

	pos := numBufLen
	for {
		pos--
		numBuf[pos] = digits[u%base]
		u /= base
		if u == 0 {
			break
		}
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	// With space padding the sign hugs the digits; with zero padding it
	// goes in front of the zeroes.
	signLen := 0
	if neg {
		if padCh == ' ' {
			pos--
			numBuf[pos] = '-'
		} else {
			signLen = 1
		}
	}

	for numBufLen-pos+signLen < width {
		pos--
		numBuf[pos] = padCh
	}

	if signLen != 0 {
		pos--
		numBuf[pos] = '-'
	}

	doWrite(w, numBuf[pos:])
}

func abs(n int64) (uint64, bool) {
	if n < 0 {
		return uint64(-n), true
	}
	return uint64(n), false
}

func writeByte(w io.Writer, ch byte) {
	oneByte[0] = ch
	doWrite(w, oneByte[:])
}

// doWrite hides p from the compiler's escape analysis. Without it the call
// through the outputSink interface flags p as escaping, which turns every
// Printf call into a heap allocation.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. Copied from runtime/stubs.go.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
