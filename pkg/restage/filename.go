package restage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelworks/dtnd/pkg/bundle"
	"github.com/kestrelworks/dtnd/pkg/eid"
)

// Record is the metadata a restage filename encodes: the full GBOF plus
// payload length and expiration. The codec round-trips every field.
type Record struct {
	Src eid.EID
	Dst eid.EID

	BTSSecs uint64 // creation timestamp, seconds since the DTN epoch
	BTSSeq  uint64

	IsFragment bool
	FragOffset uint64
	FragLength uint64

	PayloadLength uint64
	ExpSecs       uint64 // absolute expiration, seconds since the DTN epoch
}

// GBOF returns the record's bundle identity.
func (r *Record) GBOF() bundle.GBOF {
	return bundle.GBOF{
		Source:       r.Src.String(),
		CreationSecs: r.BTSSecs,
		CreationSeq:  r.BTSSeq,
		IsFragment:   r.IsFragment,
		FragOffset:   r.FragOffset,
		FragLength:   r.FragLength,
	}
}

// RecordFor builds the record for a bundle.
func RecordFor(b *bundle.Bundle) *Record {
	return &Record{
		Src:           b.Source,
		Dst:           b.Dest,
		BTSSecs:       b.Creation.Seconds,
		BTSSeq:        b.Creation.SeqNo,
		IsFragment:    b.IsFragment,
		FragOffset:    b.FragOffset,
		FragLength:    b.FragLength,
		PayloadLength: b.PayloadLength,
		ExpSecs:       b.ExpirationTime(),
	}
}

// Codec renders and parses restage filenames with the configured
// separators. Both are fixed at link creation and must differ.
type Codec struct {
	FieldSep string // separates the keyword fields, default "_"
	EIDSep   string // separates components inside an EID, default "-"
}

// fmtDTNTime renders a DTN time as YYYY-DDD-HHMMSS (day of year).
func fmtDTNTime(secs uint64) string {
	t := bundle.DTNEpoch.Add(time.Duration(secs) * time.Second).UTC()
	return fmt.Sprintf("%04d-%03d-%02d%02d%02d",
		t.Year(), t.YearDay(), t.Hour(), t.Minute(), t.Second())
}

// encodeEID renders an endpoint with the EID separator:
// ipn:5.1 -> ipn-5-1, dtn://gs1/app -> dtn-gs1-app.
func (c Codec) encodeEID(e eid.EID) string {
	sep := c.EIDSep
	switch e.Scheme {
	case eid.SchemeIPN, eid.SchemeIMC:
		return string(e.Scheme) + sep + strconv.FormatUint(e.Node, 10) +
			sep + strconv.FormatUint(e.Service, 10)
	case eid.SchemeDTN:
		out := "dtn" + sep + e.Authority
		if e.Path != "" {
			out += sep + strings.ReplaceAll(e.Path, "/", sep)
		}
		return out
	default:
		return "dtn" + sep + "none"
	}
}

// decodeEID parses the separator form back into an endpoint.
func (c Codec) decodeEID(s string) (eid.EID, error) {
	parts := strings.Split(s, c.EIDSep)
	if len(parts) < 2 {
		return eid.EID{}, fmt.Errorf("restage: malformed eid field %q", s)
	}
	switch parts[0] {
	case "ipn", "imc":
		if len(parts) != 3 {
			return eid.EID{}, fmt.Errorf("restage: malformed %s eid %q", parts[0], s)
		}
		node, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return eid.EID{}, fmt.Errorf("restage: bad node in %q", s)
		}
		service, err := strconv.ParseUint(parts[2], 10, 64)
		if err != nil {
			return eid.EID{}, fmt.Errorf("restage: bad service in %q", s)
		}
		if parts[0] == "imc" {
			return eid.NewIMC(node, service), nil
		}
		return eid.NewIPN(node, service), nil
	case "dtn":
		if parts[1] == "none" {
			return eid.Null, nil
		}
		path := ""
		if len(parts) > 2 {
			path = strings.Join(parts[2:], "/")
		}
		return eid.NewDTN(parts[1], path), nil
	}
	return eid.EID{}, fmt.Errorf("restage: unknown scheme in %q", s)
}

// Encode renders the filename for a record:
//
//	src_<eid>_dst_<eid>_bts_<YYYY-DDD-HHMMSS>_<dtntime>_<seq>
//	  [_frg_<off>_<len>]_pay_<len>_exp_<YYYY-DDD-HHMMSS>_<dtntime>
func (c Codec) Encode(r *Record) string {
	fs := c.FieldSep
	var sb strings.Builder
	sb.WriteString("src" + fs + c.encodeEID(r.Src))
	sb.WriteString(fs + "dst" + fs + c.encodeEID(r.Dst))
	sb.WriteString(fs + "bts" + fs + fmtDTNTime(r.BTSSecs))
	sb.WriteString(fs + strconv.FormatUint(r.BTSSecs, 10))
	sb.WriteString(fs + strconv.FormatUint(r.BTSSeq, 10))
	if r.IsFragment {
		sb.WriteString(fs + "frg" + fs + strconv.FormatUint(r.FragOffset, 10))
		sb.WriteString(fs + strconv.FormatUint(r.FragLength, 10))
	}
	sb.WriteString(fs + "pay" + fs + strconv.FormatUint(r.PayloadLength, 10))
	sb.WriteString(fs + "exp" + fs + fmtDTNTime(r.ExpSecs))
	sb.WriteString(fs + strconv.FormatUint(r.ExpSecs, 10))
	return sb.String()
}

// Decode parses a filename back into a record.
func (c Codec) Decode(name string) (*Record, error) {
	tokens := strings.Split(name, c.FieldSep)
	r := &Record{}

	next := func() (string, error) {
		if len(tokens) == 0 {
			return "", fmt.Errorf("restage: truncated filename %q", name)
		}
		t := tokens[0]
		tokens = tokens[1:]
		return t, nil
	}
	keyword := func(want string) error {
		t, err := next()
		if err != nil {
			return err
		}
		if t != want {
			return fmt.Errorf("restage: expected %q token in %q, got %q", want, name, t)
		}
		return nil
	}
	number := func(dst *uint64) error {
		t, err := next()
		if err != nil {
			return err
		}
		v, err := strconv.ParseUint(t, 10, 64)
		if err != nil {
			return fmt.Errorf("restage: bad number %q in %q", t, name)
		}
		*dst = v
		return nil
	}

	// The display form of a DTN time contains '-', so it spans several
	// tokens when '-' is the field separator.
	displayTokens := 1 + strings.Count(fmtDTNTime(0), c.FieldSep)
	skipDisplay := func() error {
		for i := 0; i < displayTokens; i++ {
			if _, err := next(); err != nil {
				return err
			}
		}
		return nil
	}

	if err := keyword("src"); err != nil {
		return nil, err
	}
	t, err := next()
	if err != nil {
		return nil, err
	}
	if r.Src, err = c.decodeEID(t); err != nil {
		return nil, err
	}

	if err := keyword("dst"); err != nil {
		return nil, err
	}
	if t, err = next(); err != nil {
		return nil, err
	}
	if r.Dst, err = c.decodeEID(t); err != nil {
		return nil, err
	}

	if err := keyword("bts"); err != nil {
		return nil, err
	}
	if err := skipDisplay(); err != nil { // display form, informational
		return nil, err
	}
	if err := number(&r.BTSSecs); err != nil {
		return nil, err
	}
	if err := number(&r.BTSSeq); err != nil {
		return nil, err
	}

	if len(tokens) > 0 && tokens[0] == "frg" {
		tokens = tokens[1:]
		r.IsFragment = true
		if err := number(&r.FragOffset); err != nil {
			return nil, err
		}
		if err := number(&r.FragLength); err != nil {
			return nil, err
		}
	}

	if err := keyword("pay"); err != nil {
		return nil, err
	}
	if err := number(&r.PayloadLength); err != nil {
		return nil, err
	}

	if err := keyword("exp"); err != nil {
		return nil, err
	}
	if err := skipDisplay(); err != nil { // display form
		return nil, err
	}
	if err := number(&r.ExpSecs); err != nil {
		return nil, err
	}
	if len(tokens) != 0 {
		return nil, fmt.Errorf("restage: trailing tokens in %q", name)
	}
	return r, nil
}

// QuotaDir returns the directory name for a record under quota-by-source
// or quota-by-destination accounting: src_<scheme>-<node> / dst_<scheme>-<node>.
func (c Codec) QuotaDir(r *Record, bySource bool) string {
	prefix, e := "dst", r.Dst
	if bySource {
		prefix, e = "src", r.Src
	}
	switch e.Scheme {
	case eid.SchemeIPN, eid.SchemeIMC:
		return prefix + c.FieldSep + string(e.Scheme) + c.EIDSep +
			strconv.FormatUint(e.Node, 10)
	case eid.SchemeDTN:
		return prefix + c.FieldSep + "dtn" + c.EIDSep + e.Authority
	default:
		return prefix + c.FieldSep + "dtn" + c.EIDSep + "none"
	}
}
