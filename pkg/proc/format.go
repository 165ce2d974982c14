package proc

import (
	"fmt"
)

// Field is one conversion of a scanf style format string such as
// "%p%lu%zu". Characters outside of conversions are ignored.
//
//	%d %i  int (32 bit, signed)
//	%u     unsigned int (32 bit)
//	%l     long, pointer sized, signed; %lu is unsigned
//	%p %z  pointer sized, unsigned
//	%q     64 bit, unsigned
type Field struct {
	Code   byte
	Size   int
	Signed bool
}

// ParseFormat returns the conversions of format for a target with the
// given pointer size.
func ParseFormat(format string, ptrSize int) ([]Field, error) {
	var fields []Field
	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}
		if i+1 >= len(format) {
			return nil, fmt.Errorf("format %q: dangling %%", format)
		}
		i++
		f := Field{Code: format[i]}
		switch f.Code {
		case 'd', 'i':
			f.Size, f.Signed = 4, true
		case 'u':
			f.Size = 4
		case 'l':
			f.Size, f.Signed = ptrSize, true
			if i+1 < len(format) && format[i+1] == 'u' {
				f.Signed = false
				i++
			}
		case 'p', 'z':
			f.Size = ptrSize
		case 'q':
			f.Size = 8
		default:
			return nil, fmt.Errorf("format %q: unknown conversion %%%c", format, f.Code)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// narrow truncates v to the size of the field, sign extending signed
// fields so that int64(result) is the value seen by the target.
func (f Field) narrow(v uint64) uint64 {
	switch f.Size {
	case 4:
		if f.Signed {
			return uint64(int64(int32(uint32(v))))
		}
		return uint64(uint32(v))
	case 8:
		return v
	}
	panic(fmt.Sprintf("unsupported field size %d", f.Size))
}
