package amd64

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/tinyrange/x64jit/internal/asm/amd64"
	"github.com/tinyrange/x64jit/internal/ir"
)

var randomOps = []ir.Op{
	ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpAnd, ir.OpOr, ir.OpXor,
	ir.OpLSh, ir.OpRSh, ir.OpURSh,
	ir.OpDiv, ir.OpMod, ir.OpUDiv, ir.OpUMod,
	ir.OpEq, ir.OpNe, ir.OpLt, ir.OpULt, ir.OpGe, ir.OpUGt,
}

// randomFunc builds a straight-line function over 64-bit integers with more
// values than there are registers, so some live in frame slots.
func randomFunc(rng *rand.Rand, n int) *ir.Func {
	fn := ir.NewFunc(nil, newProto("random", []ir.Type{ir.I64}, ir.P, ir.I64, ir.I64))
	ptr := fn.Params[0]
	vals := []ir.Reg{fn.Params[1], fn.Params[2]}
	pick := func() ir.Reg { return vals[rng.Intn(len(vals))] }

	for i := 0; i < n; i++ {
		op := randomOps[rng.Intn(len(randomOps))]
		var src ir.Operand
		switch op {
		case ir.OpDiv, ir.OpMod, ir.OpUDiv, ir.OpUMod:
			src = ir.R(pick())
		case ir.OpLSh, ir.OpRSh, ir.OpURSh:
			if rng.Intn(2) == 0 {
				src = ir.Int(int64(rng.Intn(64)))
			} else {
				src = ir.R(pick())
			}
		default:
			switch rng.Intn(5) {
			case 0:
				src = ir.Int(int64(rng.Intn(256) - 128))
			case 1:
				src = ir.Int(int64(rng.Int31()) << 1)
			case 2:
				src = ir.Uint(rng.Uint64() | 1<<63)
			case 3:
				src = ir.M(ir.I64, int64(8*rng.Intn(16)), ptr)
			default:
				src = ir.R(pick())
			}
		}
		d := fn.NewReg(ir.I64)
		fn.Append(op, ir.R(d), ir.R(pick()), src)
		vals = append(vals, d)
	}

	sum := fn.NewReg(ir.I64)
	fn.Append(ir.OpMov, ir.R(sum), ir.Int(0))
	for _, v := range vals {
		fn.Append(ir.OpAdd, ir.R(sum), ir.R(sum), ir.R(v))
	}
	fn.Append(ir.OpRet, ir.R(sum))
	return fn
}

func TestRandomFunctionsAlwaysSelect(t *testing.T) {
	for _, conv := range []string{"sysv", "win64"} {
		t.Run(conv, func(t *testing.T) {
			for seed := int64(1); seed <= 40; seed++ {
				fn := randomFunc(rand.New(rand.NewSource(seed)), 40)
				res, err := Compile(fn, optionsFor(conv))
				if errors.Is(err, amd64.ErrNoPattern) {
					t.Fatalf("seed %d: %v", seed, err)
				}
				if err != nil {
					t.Fatalf("seed %d: Compile: %v", seed, err)
				}
				if hasVirtual(fn) {
					t.Fatalf("seed %d: virtual registers survived allocation", seed)
				}
				if res.Program.Len() == 0 {
					t.Fatalf("seed %d: empty program", seed)
				}
			}
		})
	}
}
