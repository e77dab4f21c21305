package isofs

import (
	"fmt"
	"strings"
	"time"
)

// Rock Ridge layers POSIX metadata onto ISO9660 through SUSP: a chain of
// self-tagged sub-records in the system-use area of each directory record.
// Every sub-record carries a 2-character signature, its own length, and a
// version byte, so a reader can skip signatures it does not know.

const (
	rrVersion = 1

	// RR sub-record presence flag bits (Rock Ridge 1.09).
	rrFlagPX byte = 1 << 0
	rrFlagPN byte = 1 << 1
	rrFlagSL byte = 1 << 2
	rrFlagNM byte = 1 << 3
	rrFlagCL byte = 1 << 4
	rrFlagPL byte = 1 << 5
	rrFlagRE byte = 1 << 6
	rrFlagTF byte = 1 << 7

	// NM and SL component flag bits.
	rrNameContinue byte = 1 << 0
	rrNameCurrent  byte = 1 << 1
	rrNameParent   byte = 1 << 2
	rrCompRoot     byte = 1 << 3

	// TF flag bits.
	tfModify     byte = 1 << 1
	tfAccess     byte = 1 << 2
	tfAttributes byte = 1 << 3

	rrERIdentifier  = "RRIP_1991A"
	rrERDescription = "THE ROCK RIDGE INTERCHANGE PROTOCOL PROVIDES SUPPORT FOR POSIX FILE SYSTEM SEMANTICS"
	rrERSource      = "PLEASE CONTACT DISC PUBLISHER FOR SPECIFICATION SOURCE. SEE PUBLISHER IDENTIFIER IN PRIMARY VOLUME DESCRIPTOR FOR CONTACT INFORMATION."
)

// suspHeader prefixes a sub-record with its signature, length, and version.
func suspHeader(sig string, payload int) []byte {
	b := make([]byte, 4, 4+payload)
	b[0], b[1] = sig[0], sig[1]
	b[2] = byte(4 + payload)
	b[3] = rrVersion
	return b
}

// makeSP builds the SUSP indicator record carried by the root directory's
// "." entry. The 0xBE 0xEF check bytes tell readers the area is SUSP.
func makeSP() []byte {
	b := suspHeader("SP", 3)
	return append(b, 0xBE, 0xEF, 0)
}

// makeRR builds the 1.09 presence-mask record summarizing which Rock Ridge
// sub-records follow.
func makeRR(flags byte) []byte {
	b := suspHeader("RR", 1)
	return append(b, flags)
}

// makePX builds the POSIX attributes record: mode, link count, uid, and gid,
// each as a both-endian 32-bit field.
func makePX(mode, links, uid, gid uint32) []byte {
	b := suspHeader("PX", 32)
	b = b[:36]
	putBothUint32(b[4:12], mode)
	putBothUint32(b[12:20], links)
	putBothUint32(b[20:28], uid)
	putBothUint32(b[28:36], gid)
	return b
}

// makeNM builds the alternate-name records carrying the POSIX name. Long
// names split across several records chained with the continue flag.
func makeNM(name string) [][]byte {
	const chunk = 250
	var out [][]byte
	for len(name) > 0 {
		part := name
		flags := byte(0)
		if len(part) > chunk {
			part, name = name[:chunk], name[chunk:]
			flags = rrNameContinue
		} else {
			name = ""
		}
		b := suspHeader("NM", 1+len(part))
		b = append(b, flags)
		b = append(b, part...)
		out = append(out, b)
	}
	return out
}

// makeSL builds the symbolic-link record from a slash-separated target.
func makeSL(target string) []byte {
	var comps []byte
	appendComp := func(flags byte, content string) {
		comps = append(comps, flags, byte(len(content)))
		comps = append(comps, content...)
	}
	rest := target
	if strings.HasPrefix(rest, "/") {
		appendComp(rrCompRoot, "")
		rest = strings.TrimLeft(rest, "/")
	}
	if rest != "" {
		for _, part := range strings.Split(rest, "/") {
			switch part {
			case ".":
				appendComp(rrNameCurrent, "")
			case "..":
				appendComp(rrNameParent, "")
			default:
				appendComp(0, part)
			}
		}
	}
	b := suspHeader("SL", 1+len(comps))
	b = append(b, 0)
	return append(b, comps...)
}

// makeTF builds the timestamp record. Modify, access, and attribute-change
// all carry the recording time; finer provenance is not preserved by the
// 7-byte short form anyway.
func makeTF(t time.Time) []byte {
	b := suspHeader("TF", 1+3*7)
	b = append(b, tfModify|tfAccess|tfAttributes)
	for i := 0; i < 3; i++ {
		var stamp [7]byte
		encodeDirTime(stamp[:], t)
		b = append(b, stamp[:]...)
	}
	return b
}

// makeRE builds the relocation marker attached to a directory that was
// physically moved below the relocation directory.
func makeRE() []byte {
	return suspHeader("RE", 0)
}

// makeCL builds the child-link record placed on the placeholder entry in a
// relocated directory's logical parent.
func makeCL(childLoc uint32) []byte {
	b := suspHeader("CL", 8)
	b = b[:12]
	putBothUint32(b[4:12], childLoc)
	return b
}

// makePL builds the parent-link record placed on a relocated directory's
// ".." entry, pointing back at the logical parent's extent.
func makePL(parentLoc uint32) []byte {
	b := suspHeader("PL", 8)
	b = b[:12]
	putBothUint32(b[4:12], parentLoc)
	return b
}

// makeCE builds the continuation record pointing at the overflow slice of
// the system-use area.
func makeCE(sector, offset, length uint32) []byte {
	b := suspHeader("CE", 24)
	b = b[:28]
	putBothUint32(b[4:12], sector)
	putBothUint32(b[12:20], offset)
	putBothUint32(b[20:28], length)
	return b
}

// makeER builds the extensions-reference record advertising Rock Ridge 1.09.
// It lives in the continuation area referenced from the root "." entry.
func makeER() []byte {
	payload := 4 + len(rrERIdentifier) + len(rrERDescription) + len(rrERSource)
	b := suspHeader("ER", payload)
	b = append(b, byte(len(rrERIdentifier)), byte(len(rrERDescription)), byte(len(rrERSource)), 1)
	b = append(b, rrERIdentifier...)
	b = append(b, rrERDescription...)
	b = append(b, rrERSource...)
	return b
}

// rrInfo is the decoded view of one record's Rock Ridge data.
type rrInfo struct {
	present bool
	name    string
	mode    uint32
	links   uint32
	uid     uint32
	gid     uint32
	mtime   time.Time

	symlinkTarget string
	relocated     bool
	childLoc      uint32
	hasChildLoc   bool
	parentLoc     uint32
	hasParentLoc  bool

	hasCE    bool
	ceSector uint32
	ceOffset uint32
	ceLen    uint32
}

// parseSystemUse walks one system-use area, accumulating decoded fields into
// info. CE records are noted, not followed: the caller fetches the
// continuation bytes and calls parseSystemUse again on them.
func parseSystemUse(data []byte, sector uint32, info *rrInfo) error {
	off := 0
	for off+4 <= len(data) {
		if data[off] == 0 {
			break
		}
		sig := string(data[off : off+2])
		length := int(data[off+2])
		if length < 4 || off+length > len(data) {
			return fieldErr("susp "+sig, sector, off, fmt.Errorf("declared length %d: %w", length, ErrMalformedField))
		}
		rec := data[off+4 : off+length]
		switch sig {
		case "SP", "RR", "ER", "ES", "PD", "ST":
			// Indicators and padding carry no per-file state.
		case "PX":
			if len(rec) < 32 {
				return fieldErr("susp PX", sector, off, fmt.Errorf("short record: %w", ErrMalformedField))
			}
			var err error
			if info.mode, err = bothUint32(rec[0:8]); err != nil {
				return fieldErr("susp PX mode", sector, off, err)
			}
			if info.links, err = bothUint32(rec[8:16]); err != nil {
				return fieldErr("susp PX links", sector, off, err)
			}
			if info.uid, err = bothUint32(rec[16:24]); err != nil {
				return fieldErr("susp PX uid", sector, off, err)
			}
			if info.gid, err = bothUint32(rec[24:32]); err != nil {
				return fieldErr("susp PX gid", sector, off, err)
			}
			info.present = true
		case "NM":
			if len(rec) < 1 {
				return fieldErr("susp NM", sector, off, fmt.Errorf("short record: %w", ErrMalformedField))
			}
			flags := rec[0]
			if flags&(rrNameCurrent|rrNameParent) == 0 {
				info.name += string(rec[1:])
			}
			info.present = true
		case "SL":
			if len(rec) < 1 {
				return fieldErr("susp SL", sector, off, fmt.Errorf("short record: %w", ErrMalformedField))
			}
			target, err := decodeSLComponents(rec[1:], info.symlinkTarget)
			if err != nil {
				return fieldErr("susp SL", sector, off, err)
			}
			info.symlinkTarget = target
			info.present = true
		case "TF":
			if len(rec) >= 1+7 {
				flags := rec[0]
				stamps := rec[1:]
				// The first recorded stamp in flag-bit order that we
				// understand as a modify time wins.
				idx := 0
				for bit := byte(1); bit <= tfAttributes; bit <<= 1 {
					if flags&bit == 0 {
						continue
					}
					if idx+7 > len(stamps) {
						break
					}
					if bit == tfModify {
						if ts, err := decodeDirTime(stamps[idx : idx+7]); err == nil {
							info.mtime = ts
						}
					}
					idx += 7
				}
			}
			info.present = true
		case "RE":
			info.relocated = true
			info.present = true
		case "CL":
			loc, err := bothUint32(rec[0:8])
			if err != nil {
				return fieldErr("susp CL", sector, off, err)
			}
			info.childLoc, info.hasChildLoc = loc, true
			info.present = true
		case "PL":
			loc, err := bothUint32(rec[0:8])
			if err != nil {
				return fieldErr("susp PL", sector, off, err)
			}
			info.parentLoc, info.hasParentLoc = loc, true
			info.present = true
		case "CE":
			if len(rec) < 24 {
				return fieldErr("susp CE", sector, off, fmt.Errorf("short record: %w", ErrMalformedField))
			}
			var err error
			if info.ceSector, err = bothUint32(rec[0:8]); err != nil {
				return fieldErr("susp CE sector", sector, off, err)
			}
			if info.ceOffset, err = bothUint32(rec[8:16]); err != nil {
				return fieldErr("susp CE offset", sector, off, err)
			}
			if info.ceLen, err = bothUint32(rec[16:24]); err != nil {
				return fieldErr("susp CE length", sector, off, err)
			}
			info.hasCE = true
		default:
			// Unknown signatures are skippable by construction.
		}
		off += length
	}
	return nil
}

func decodeSLComponents(comps []byte, acc string) (string, error) {
	off := 0
	for off+2 <= len(comps) {
		flags := comps[off]
		clen := int(comps[off+1])
		if off+2+clen > len(comps) {
			return "", fmt.Errorf("symlink component overruns record: %w", ErrMalformedField)
		}
		content := string(comps[off+2 : off+2+clen])
		switch {
		case flags&rrCompRoot != 0:
			acc = "/"
		case flags&rrNameCurrent != 0:
			acc = joinSLComponent(acc, ".")
		case flags&rrNameParent != 0:
			acc = joinSLComponent(acc, "..")
		default:
			acc = joinSLComponent(acc, content)
		}
		off += 2 + clen
	}
	return acc, nil
}

func joinSLComponent(acc, comp string) string {
	if acc == "" || acc == "/" {
		return acc + comp
	}
	return acc + "/" + comp
}
