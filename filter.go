package pdf

import (
	"bytes"
	"compress/zlib"
	"encoding/ascii85"
	"fmt"
	"io"
	"log/slog"
)

// applyFilter wraps rd with the decoder for the named filter.
func applyFilter(rd io.Reader, name string, param Value) (io.Reader, error) {
	switch name {
	case "FlateDecode", "Fl":
		zr, err := zlib.NewReader(rd)
		if err != nil {
			return nil, fmt.Errorf("flate: %w", err)
		}
		return applyPredictor(zr, param)
	case "ASCII85Decode", "A85":
		data, err := io.ReadAll(rd)
		if err != nil {
			return nil, err
		}
		data = bytes.TrimPrefix(bytes.TrimSpace(data), []byte("<~"))
		if i := bytes.Index(data, []byte("~>")); i >= 0 {
			data = data[:i]
		}
		return ascii85.NewDecoder(bytes.NewReader(data)), nil
	case "ASCIIHexDecode", "AHx":
		data, err := io.ReadAll(rd)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(decodeASCIIHex(data)), nil
	case "RunLengthDecode", "RL":
		data, err := io.ReadAll(rd)
		if err != nil {
			return nil, err
		}
		return bytes.NewReader(decodeRunLength(data)), nil
	case "Crypt":
		if n, _ := param.Key("Name"); n.Kind() == NullKind || n.Name() == "Identity" {
			return rd, nil
		}
	}
	return nil, fmt.Errorf("%w %s", ErrUnsupportedFilter, name)
}

func applyPredictor(rd io.Reader, param Value) (io.Reader, error) {
	get := func(key string, def int64) int64 {
		v, _ := param.Key(key)
		if v.Kind() != IntegerKind {
			return def
		}
		return v.Int64()
	}
	pred := get("Predictor", 1)
	if pred <= 1 {
		return rd, nil
	}
	colors := get("Colors", 1)
	bpc := get("BitsPerComponent", 8)
	columns := get("Columns", 1)
	if colors < 1 || bpc < 1 || columns < 1 {
		return nil, fmt.Errorf("invalid predictor parameters colors=%d bpc=%d columns=%d", colors, bpc, columns)
	}
	rowBytes := int((colors*bpc*columns + 7) / 8)
	bpp := int(max((colors*bpc+7)/8, 1))

	switch {
	case pred == 2:
		if bpc != 8 {
			return nil, fmt.Errorf("%w: TIFF predictor with %d bits per component", ErrUnsupportedFilter, bpc)
		}
		return &predictReader{r: rd, bpp: bpp, tiff: true, cur: make([]byte, rowBytes), prev: make([]byte, rowBytes)}, nil
	case pred >= 10 && pred <= 15:
		return &predictReader{r: rd, bpp: bpp, cur: make([]byte, 1+rowBytes), prev: make([]byte, 1+rowBytes)}, nil
	}
	slog.Debug("unknown predictor", slog.Int64("pred", pred))
	return nil, fmt.Errorf("%w: predictor %d", ErrUnsupportedFilter, pred)
}

// predictReader undoes PNG (per-row filter byte) or TIFF predictor 2
// encoding one row at a time.
type predictReader struct {
	r    io.Reader
	bpp  int
	tiff bool
	cur  []byte
	prev []byte
	pend []byte
}

func (r *predictReader) Read(b []byte) (int, error) {
	n := 0
	for len(b) > 0 {
		if len(r.pend) > 0 {
			m := copy(b, r.pend)
			n += m
			b = b[m:]
			r.pend = r.pend[m:]
			continue
		}
		r.cur, r.prev = r.prev, r.cur
		if _, err := io.ReadFull(r.r, r.cur); err != nil {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			return n, err
		}
		if r.tiff {
			r.unTIFF()
			r.pend = r.cur
			continue
		}
		if err := r.unPNG(); err != nil {
			return n, err
		}
		r.pend = r.cur[1:]
	}
	return n, nil
}

func (r *predictReader) unTIFF() {
	row := r.cur
	for i := r.bpp; i < len(row); i++ {
		row[i] += row[i-r.bpp]
	}
}

func (r *predictReader) unPNG() error {
	cur, prev := r.cur[1:], r.prev[1:]
	bpp := r.bpp
	switch r.cur[0] {
	case 0:
	case 1:
		for i := bpp; i < len(cur); i++ {
			cur[i] += cur[i-bpp]
		}
	case 2:
		for i := range cur {
			cur[i] += prev[i]
		}
	case 3:
		for i := range cur {
			var left int
			if i >= bpp {
				left = int(cur[i-bpp])
			}
			cur[i] += byte((left + int(prev[i])) / 2)
		}
	case 4:
		for i := range cur {
			var left, upLeft byte
			if i >= bpp {
				left, upLeft = cur[i-bpp], prev[i-bpp]
			}
			cur[i] += paeth(left, prev[i], upLeft)
		}
	default:
		return fmt.Errorf("malformed PNG predictor row type %d", r.cur[0])
	}
	return nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	switch {
	case pa <= pb && pa <= pc:
		return a
	case pb <= pc:
		return b
	}
	return c
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func decodeASCIIHex(data []byte) []byte {
	var out []byte
	hi := -1
	for _, c := range data {
		if c == '>' {
			break
		}
		x := unhex(c)
		if x < 0 {
			continue
		}
		if hi < 0 {
			hi = x
			continue
		}
		out = append(out, byte(hi<<4|x))
		hi = -1
	}
	if hi >= 0 {
		out = append(out, byte(hi<<4))
	}
	return out
}

func decodeRunLength(data []byte) []byte {
	var out []byte
	for i := 0; i < len(data); {
		n := int(data[i])
		i++
		switch {
		case n == 128:
			return out
		case n < 128:
			end := min(i+n+1, len(data))
			out = append(out, data[i:end]...)
			i = end
		default:
			if i >= len(data) {
				return out
			}
			out = append(out, bytes.Repeat(data[i:i+1], 257-n)...)
			i++
		}
	}
	return out
}
