package unicorn

import (
	"debug/elf"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/lunixbochs/rtld/go/models"
)

type cpuInfo struct {
	arch, mode int
	sp, pc     int
	ret        int
	// link register, or -1 when calls push the return address
	lr int
	// sparc returns to %o7+8
	retBias uint64
	// bytes reserved below the initial stack pointer, before any bias
	frame uint64
	// added to the stack pointer (sparc64 V9 stack bias)
	spBias uint64
	// the trampoline frame is two stack words: object id, then slot index
	stackFrame bool
	regs       *models.RegSet
}

var cpuTable = map[elf.Machine]*cpuInfo{
	elf.EM_X86_64: {
		arch: uc.ARCH_X86, mode: uc.MODE_64,
		sp: uc.X86_REG_RSP, pc: uc.X86_REG_RIP, ret: uc.X86_REG_RAX, lr: -1,
		stackFrame: true,
		regs: &models.RegSet{Regs: models.RegMap{
			uc.X86_REG_RAX: "rax",
			uc.X86_REG_RBX: "rbx",
			uc.X86_REG_RCX: "rcx",
			uc.X86_REG_RDX: "rdx",
			uc.X86_REG_RSI: "rsi",
			uc.X86_REG_RDI: "rdi",
			uc.X86_REG_RBP: "rbp",
			uc.X86_REG_RSP: "rsp",
			uc.X86_REG_R8:  "r8",
			uc.X86_REG_R9:  "r9",
			uc.X86_REG_R10: "r10",
			uc.X86_REG_R11: "r11",
			uc.X86_REG_R12: "r12",
			uc.X86_REG_R13: "r13",
			uc.X86_REG_R14: "r14",
			uc.X86_REG_R15: "r15",
			uc.X86_REG_RIP: "rip",
		}},
	},
	elf.EM_386: {
		arch: uc.ARCH_X86, mode: uc.MODE_32,
		sp: uc.X86_REG_ESP, pc: uc.X86_REG_EIP, ret: uc.X86_REG_EAX, lr: -1,
		stackFrame: true,
		regs: &models.RegSet{Regs: models.RegMap{
			uc.X86_REG_EAX: "eax",
			uc.X86_REG_EBX: "ebx",
			uc.X86_REG_ECX: "ecx",
			uc.X86_REG_EDX: "edx",
			uc.X86_REG_ESI: "esi",
			uc.X86_REG_EDI: "edi",
			uc.X86_REG_EBP: "ebp",
			uc.X86_REG_ESP: "esp",
			uc.X86_REG_EIP: "eip",
		}},
	},
	elf.EM_ARM: {
		arch: uc.ARCH_ARM, mode: uc.MODE_ARM,
		sp: uc.ARM_REG_SP, pc: uc.ARM_REG_PC, ret: uc.ARM_REG_R0, lr: uc.ARM_REG_LR,
		regs: &models.RegSet{Regs: models.RegMap{
			uc.ARM_REG_R0:  "r0",
			uc.ARM_REG_R1:  "r1",
			uc.ARM_REG_R2:  "r2",
			uc.ARM_REG_R3:  "r3",
			uc.ARM_REG_R4:  "r4",
			uc.ARM_REG_R5:  "r5",
			uc.ARM_REG_R6:  "r6",
			uc.ARM_REG_R7:  "r7",
			uc.ARM_REG_R8:  "r8",
			uc.ARM_REG_R9:  "r9",
			uc.ARM_REG_R10: "r10",
			uc.ARM_REG_R11: "fp",
			uc.ARM_REG_R12: "ip",
			uc.ARM_REG_SP:  "sp",
			uc.ARM_REG_LR:  "lr",
			uc.ARM_REG_PC:  "pc",
		}},
	},
	elf.EM_AARCH64: {
		arch: uc.ARCH_ARM64, mode: uc.MODE_ARM,
		sp: uc.ARM64_REG_SP, pc: uc.ARM64_REG_PC, ret: uc.ARM64_REG_X0, lr: uc.ARM64_REG_X30,
		regs: &models.RegSet{Regs: models.RegMap{
			uc.ARM64_REG_X0:  "x0",
			uc.ARM64_REG_X1:  "x1",
			uc.ARM64_REG_X2:  "x2",
			uc.ARM64_REG_X3:  "x3",
			uc.ARM64_REG_X4:  "x4",
			uc.ARM64_REG_X5:  "x5",
			uc.ARM64_REG_X6:  "x6",
			uc.ARM64_REG_X7:  "x7",
			uc.ARM64_REG_X8:  "x8",
			uc.ARM64_REG_X16: "x16",
			uc.ARM64_REG_X17: "x17",
			uc.ARM64_REG_X29: "fp",
			uc.ARM64_REG_X30: "lr",
			uc.ARM64_REG_SP:  "sp",
			uc.ARM64_REG_PC:  "pc",
		}},
	},
	elf.EM_SPARCV9: {
		arch: uc.ARCH_SPARC, mode: uc.MODE_SPARC64 | uc.MODE_BIG_ENDIAN,
		sp: uc.SPARC_REG_SP, pc: uc.SPARC_REG_PC, ret: uc.SPARC_REG_O0, lr: uc.SPARC_REG_O7,
		retBias: 8, frame: 192, spBias: 2047,
		regs: &models.RegSet{Regs: models.RegMap{
			uc.SPARC_REG_O0: "o0",
			uc.SPARC_REG_O1: "o1",
			uc.SPARC_REG_O2: "o2",
			uc.SPARC_REG_O3: "o3",
			uc.SPARC_REG_O4: "o4",
			uc.SPARC_REG_O5: "o5",
			uc.SPARC_REG_SP: "sp",
			uc.SPARC_REG_O7: "o7",
			uc.SPARC_REG_FP: "fp",
			uc.SPARC_REG_PC: "pc",
		}},
	},
}

// LazyCapable reports whether the executor can service the lazy binding
// trampoline for a. Other architectures must be bound eagerly.
func LazyCapable(a *models.Arch) bool {
	info, ok := cpuTable[a.Machine]
	return ok && info.stackFrame && a.LazyGOT
}
