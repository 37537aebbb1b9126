package back

import (
	"runtime"

	"github.com/mcclang/mcc/src/compiler/asm/x86"
)

type (
	// ABI abstracts the calling convention differences the
	// code generator cares about.
	ABI interface {
		IntParams() []x86.Reg
		FloatParams() []x86.Reg
		IntRet() x86.Reg
		FloatRet() x86.Reg
		ShadowSpace() int
		CalleeSaved() []x86.Reg
	}

	SysV  struct{}
	Win64 struct{}
)

// HostABI selects the convention at compile time from the host
// platform.
func HostABI() ABI {
	if runtime.GOOS == "windows" {
		return Win64{}
	}

	return SysV{}
}

func (SysV) IntParams() []x86.Reg {
	return []x86.Reg{x86.RDI, x86.RSI, x86.RDX, x86.RCX, x86.R8, x86.R9}
}

func (SysV) FloatParams() []x86.Reg {
	return []x86.Reg{x86.XMM0, x86.XMM1, x86.XMM2, x86.XMM3, x86.XMM4, x86.XMM5, x86.XMM6, x86.XMM7}
}

func (SysV) IntRet() x86.Reg   { return x86.RAX }
func (SysV) FloatRet() x86.Reg { return x86.XMM0 }
func (SysV) ShadowSpace() int  { return 0 }

func (SysV) CalleeSaved() []x86.Reg {
	return []x86.Reg{x86.RBX, x86.R12, x86.R13, x86.R14, x86.R15}
}

func (Win64) IntParams() []x86.Reg {
	return []x86.Reg{x86.RCX, x86.RDX, x86.R8, x86.R9}
}

func (Win64) FloatParams() []x86.Reg {
	return []x86.Reg{x86.XMM0, x86.XMM1, x86.XMM2, x86.XMM3}
}

func (Win64) IntRet() x86.Reg   { return x86.RAX }
func (Win64) FloatRet() x86.Reg { return x86.XMM0 }
func (Win64) ShadowSpace() int  { return 32 }

func (Win64) CalleeSaved() []x86.Reg {
	return []x86.Reg{x86.RBX, x86.RSI, x86.RDI, x86.R12, x86.R13, x86.R14, x86.R15}
}

// allocatable integer registers: the scratch set RAX, RCX, RDX,
// R10, R11 is reserved for the code generator.
func allocatableInt() []x86.Reg {
	return []x86.Reg{x86.RBX, x86.RSI, x86.RDI, x86.R8, x86.R9, x86.R12, x86.R13, x86.R14, x86.R15}
}

func allocatableFloat() []x86.Reg {
	return []x86.Reg{x86.XMM0, x86.XMM1, x86.XMM2, x86.XMM3, x86.XMM4, x86.XMM5, x86.XMM6, x86.XMM7}
}

func callerSaved() []x86.Reg {
	return []x86.Reg{x86.RSI, x86.RDI, x86.R8, x86.R9}
}

func calleeSavedAllocatable() []x86.Reg {
	return []x86.Reg{x86.RBX, x86.R12, x86.R13, x86.R14, x86.R15}
}
