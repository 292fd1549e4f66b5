package asm

import (
	"strconv"
	"strings"
)

// OperandKind distinguishes a numeric operand from a name reference
// (a label, for LDC/JUMP, or a symbolic op name, for UNARY/BIN).
type OperandKind int

const (
	OperNumber OperandKind = iota
	OperIdent
)

// Operand is one instruction operand as written in source: either a
// literal integer or a bare identifier resolved later by the encoder
// (a local jump label, an object name, or a named unary/binary op).
type Operand struct {
	Kind OperandKind
	Num  int64
	Name string
}

// Instr is one parsed instruction line, with any local labels that
// were attached to it (a label on its own line binds to the next
// instruction; a label sharing a line with an instruction binds to
// that instruction).
type Instr struct {
	Labels   []string
	Mnemonic string
	Operands []Operand
	Pos      Position
}

// FuncDecl is a `.func NAME locals=L stack=S` ... `.endfunc` block.
type FuncDecl struct {
	Name   string
	Locals int
	Stack  int
	Instrs []*Instr
	Pos    Position
}

// DataDecl is a `.data NAME slots v0, v1, ...` frozen slot-array
// object: slots total, the leading values given explicitly and the
// rest implicitly zero.
type DataDecl struct {
	Name  string
	Slots int
	Init  []int64
	Pos   Position
}

// Program is one parsed source file: the declared global count plus
// every function and data object it defines. One function must be
// named "main"; that is the assembled image's entry point.
type Program struct {
	GlobalCount int
	Funcs       []*FuncDecl
	Data        []*DataDecl
}

// Parse lexes and parses source into a Program, or returns the
// accumulated ErrorList if anything was malformed.
func Parse(source, filename string) (*Program, *ErrorList) {
	lx := NewLexer(source)
	errs := &ErrorList{}
	prog := &Program{}

	var curFunc *FuncDecl
	var pendingLabels []string

	pos := func(line int) Position { return Position{Filename: filename, Line: line} }

	for {
		toks, line, ok := lx.NextLine()
		if !ok {
			break
		}
		if curFunc == nil {
			// Top level: only directives are allowed.
			if len(toks) == 0 || toks[0].Type != TokenIdentifier {
				errs.add(pos(line), "expected a directive at top level")
				continue
			}
			switch strings.ToLower(toks[0].Literal) {
			case ".global":
				n, _, err := parseNumber(toks, 1)
				if err != nil {
					errs.add(pos(line), ".global: %v", err)
					continue
				}
				prog.GlobalCount = int(n)
			case ".func":
				fd, err := parseFuncHeader(toks, pos(line))
				if err != nil {
					errs.add(pos(line), "%v", err)
					continue
				}
				curFunc = fd
				pendingLabels = nil
			case ".data":
				dd, err := parseDataDecl(toks, pos(line))
				if err != nil {
					errs.add(pos(line), "%v", err)
					continue
				}
				prog.Data = append(prog.Data, dd)
			default:
				errs.add(pos(line), "unknown top-level directive %q", toks[0].Literal)
			}
			continue
		}

		// Inside a .func body.
		if toks[0].Type == TokenIdentifier && strings.EqualFold(toks[0].Literal, ".endfunc") {
			if len(pendingLabels) > 0 {
				errs.add(pos(line), "label(s) %v not attached to any instruction before .endfunc", pendingLabels)
			}
			prog.Funcs = append(prog.Funcs, curFunc)
			curFunc = nil
			continue
		}

		idx := 0
		var labels []string
		for idx+1 < len(toks) && toks[idx].Type == TokenIdentifier && toks[idx+1].Type == TokenColon {
			labels = append(labels, toks[idx].Literal)
			idx += 2
		}
		if idx >= len(toks) {
			// A label-only line: carry its labels to the next instruction.
			pendingLabels = append(pendingLabels, labels...)
			continue
		}
		if toks[idx].Type != TokenIdentifier {
			errs.add(pos(line), "expected a mnemonic, found %q", toks[idx].Literal)
			continue
		}
		mnemonic := strings.ToUpper(toks[idx].Literal)
		resolved, ops, err := parseOperands(mnemonic, toks, idx+1)
		if err != nil {
			errs.add(pos(line), "%s: %v", mnemonic, err)
			continue
		}
		instr := &Instr{
			Labels:   append(pendingLabels, labels...),
			Mnemonic: resolved,
			Operands: ops,
			Pos:      pos(line),
		}
		pendingLabels = nil
		curFunc.Instrs = append(curFunc.Instrs, instr)
	}

	if curFunc != nil {
		errs.add(Position{Filename: filename}, ".func %q missing a closing .endfunc", curFunc.Name)
	}
	if errs.HasErrors() {
		return nil, errs
	}
	return prog, nil
}

func parseFuncHeader(toks []Token, p Position) (*FuncDecl, error) {
	// .func NAME locals=L stack=S
	if len(toks) < 2 || toks[1].Type != TokenIdentifier {
		return nil, newError(p, ".func requires a name")
	}
	fd := &FuncDecl{Name: toks[1].Literal, Pos: p}
	for i := 2; i < len(toks); i++ {
		if toks[i].Type != TokenIdentifier {
			continue
		}
		key := strings.ToLower(toks[i].Literal)
		if i+2 >= len(toks) || toks[i+1].Type != TokenEquals || toks[i+2].Type != TokenNumber {
			return nil, newError(p, ".func: malformed %q attribute", key)
		}
		n, err := strconv.ParseInt(toks[i+2].Literal, 0, 64)
		if err != nil {
			return nil, newError(p, ".func: %v", err)
		}
		switch key {
		case "locals":
			fd.Locals = int(n)
		case "stack":
			fd.Stack = int(n)
		default:
			return nil, newError(p, ".func: unknown attribute %q", key)
		}
		i += 2
	}
	return fd, nil
}

func parseDataDecl(toks []Token, p Position) (*DataDecl, error) {
	// .data NAME slots v0, v1, ...
	if len(toks) < 3 || toks[1].Type != TokenIdentifier || toks[2].Type != TokenNumber {
		return nil, newError(p, ".data requires a name and a slot count")
	}
	dd := &DataDecl{Name: toks[1].Literal, Pos: p}
	n, err := strconv.ParseInt(toks[2].Literal, 0, 64)
	if err != nil {
		return nil, newError(p, ".data: %v", err)
	}
	dd.Slots = int(n)
	for i := 3; i < len(toks); i++ {
		if toks[i].Type == TokenComma {
			continue
		}
		if toks[i].Type != TokenNumber {
			return nil, newError(p, ".data: expected an integer initializer, found %q", toks[i].Literal)
		}
		v, err := strconv.ParseInt(toks[i].Literal, 0, 64)
		if err != nil {
			return nil, newError(p, ".data: %v", err)
		}
		dd.Init = append(dd.Init, v)
	}
	if len(dd.Init) > dd.Slots {
		return nil, newError(p, ".data: %d initializers exceed slot count %d", len(dd.Init), dd.Slots)
	}
	return dd, nil
}

// parseNumber reads a single TokenNumber starting at idx, returning its
// value and the index just past it.
func parseNumber(toks []Token, idx int) (int64, int, error) {
	if idx >= len(toks) || toks[idx].Type != TokenNumber {
		return 0, idx, newError(Position{}, "expected a number")
	}
	v, err := strconv.ParseInt(toks[idx].Literal, 0, 64)
	if err != nil {
		return 0, idx, err
	}
	return v, idx + 1, nil
}

// zeroOperandMnemonics take no operands and have no immediate-bearing
// form; any tokens after them on the line are ignored. Mnemonics that
// have both forms (e.g. "NEW" vs "NEW 3, 1") are handled case by case
// in parseOperands.
var zeroOperandMnemonics = map[string]bool{
	"IF": true, "SIZE": true, "NOP": true, "BREAK": true,
}

// parseOperands parses an instruction's operand tokens and returns the
// resolved mnemonic (sigil-disambiguated for LD/ST, operand-count-
// disambiguated for LDS/STS/CALL/RET/NEW — matching decode.Mnemonic's
// own naming, except that the two-operand NEW resolves to "NEWIMM")
// alongside the parsed operands.
func parseOperands(mnemonic string, toks []Token, idx int) (string, []Operand, error) {
	rest := toks[idx:]
	switch mnemonic {
	case "LD":
		return parseLD(rest)
	case "ST":
		return parseST(rest)
	case "LDS":
		if len(rest) == 0 {
			return "LDS", nil, nil
		}
		ops, err := parseSigilNumberList(rest, 1)
		return "LDS#", ops, err
	case "STS":
		if len(rest) == 0 {
			return "STS", nil, nil
		}
		ops, err := parseSigilNumberList(rest, 1)
		return "STS#", ops, err
	case "CALL":
		if len(rest) == 0 {
			return "CALL", nil, nil
		}
		ops, err := parseSigilNumberList(rest, 1)
		return "CALL#", ops, err
	case "RET":
		if len(rest) == 0 {
			return "RET", nil, nil
		}
		ops, err := parseSigilNumberList(rest, 1)
		return "RET#", ops, err
	case "NEW":
		if len(rest) == 0 {
			return "NEW", nil, nil
		}
		ops, err := parseSigilNumberList(rest, 2)
		return "NEWIMM", ops, err
	case "SYS":
		ops, err := parseSigilNumberList(rest, 2)
		return "SYS", ops, err
	case "JUMP":
		ops, err := parseIdentOrNumberList(rest, 1)
		return "JUMP", ops, err
	case "LDC":
		ops, err := parseIdentOrNumberList(rest, 1)
		return "LDC", ops, err
	case "UNARY":
		ops, err := parseIdentOrNumberList(rest, 1)
		return "UNARY", ops, err
	case "BIN":
		ops, err := parseIdentOrNumberList(rest, 1)
		return "BIN", ops, err
	default:
		if zeroOperandMnemonics[mnemonic] {
			return mnemonic, nil, nil
		}
		return "", nil, newError(Position{}, "unknown mnemonic %q", mnemonic)
	}
}

// parseLD handles LD's three sigil-disambiguated forms: #n (literal),
// @n (local), $n (global).
func parseLD(toks []Token) (string, []Operand, error) {
	if len(toks) == 0 {
		return "", nil, newError(Position{}, "LD requires a #, @, or $ operand")
	}
	var mnemonic string
	switch toks[0].Type {
	case TokenHash:
		mnemonic = "LD#"
	case TokenAt:
		mnemonic = "LD@"
	case TokenDollar:
		mnemonic = "LD$"
	default:
		return "", nil, newError(Position{}, "LD requires a #, @, or $ operand")
	}
	n, _, err := parseNumber(toks, 1)
	if err != nil {
		return "", nil, err
	}
	return mnemonic, []Operand{{Kind: OperNumber, Num: n}}, nil
}

func parseST(toks []Token) (string, []Operand, error) {
	if len(toks) == 0 {
		return "", nil, newError(Position{}, "ST requires an @ or $ operand")
	}
	var mnemonic string
	switch toks[0].Type {
	case TokenAt:
		mnemonic = "ST@"
	case TokenDollar:
		mnemonic = "ST$"
	default:
		return "", nil, newError(Position{}, "ST requires an @ or $ operand")
	}
	n, _, err := parseNumber(toks, 1)
	if err != nil {
		return "", nil, err
	}
	return mnemonic, []Operand{{Kind: OperNumber, Num: n}}, nil
}

// parseSigilNumberList parses want comma-separated numeric operands,
// each with an optional leading '#' sigil (cosmetic once the mnemonic
// itself has already selected the immediate form).
func parseSigilNumberList(toks []Token, want int) ([]Operand, error) {
	var ops []Operand
	i := 0
	for len(ops) < want {
		if i < len(toks) && toks[i].Type == TokenHash {
			i++
		}
		n, next, err := parseNumber(toks, i)
		if err != nil {
			return nil, err
		}
		ops = append(ops, Operand{Kind: OperNumber, Num: n})
		i = next
		if len(ops) < want {
			if i >= len(toks) || toks[i].Type != TokenComma {
				return nil, newError(Position{}, "expected %d operands, found %d", want, len(ops))
			}
			i++
		}
	}
	return ops, nil
}

// parseIdentOrNumberList parses want comma-separated operands, each
// either a bare identifier (label name or symbolic op name) or a
// number with an optional '#' sigil.
func parseIdentOrNumberList(toks []Token, want int) ([]Operand, error) {
	var ops []Operand
	i := 0
	for len(ops) < want {
		if i < len(toks) && toks[i].Type == TokenHash {
			i++
		}
		if i >= len(toks) {
			return nil, newError(Position{}, "expected %d operands, found %d", want, len(ops))
		}
		switch toks[i].Type {
		case TokenIdentifier:
			ops = append(ops, Operand{Kind: OperIdent, Name: toks[i].Literal})
			i++
		case TokenNumber:
			n, next, err := parseNumber(toks, i)
			if err != nil {
				return nil, err
			}
			ops = append(ops, Operand{Kind: OperNumber, Num: n})
			i = next
		default:
			return nil, newError(Position{}, "expected an identifier or number, found %q", toks[i].Literal)
		}
		if len(ops) < want {
			if i >= len(toks) || toks[i].Type != TokenComma {
				return nil, newError(Position{}, "expected %d operands, found %d", want, len(ops))
			}
			i++
		}
	}
	return ops, nil
}
