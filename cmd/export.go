package cmd

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/x448/float16"
)

// writeFloat16 writes s as little-endian IEEE 754 half precision values.
func writeFloat16(w io.Writer, s []float32) error {
	u16s := make([]uint16, len(s))
	for i := range s {
		u16s[i] = float16.Fromfloat32(s[i]).Bits()
	}

	return binary.Write(w, binary.LittleEndian, u16s)
}

func exportFloat16(path string, s []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := writeFloat16(f, s); err != nil {
		return err
	}

	return f.Close()
}
