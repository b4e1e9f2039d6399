package main

import (
	"github.com/lunixbochs/rtld/go/cmd"

	_ "github.com/lunixbochs/rtld/go/cmd/ldd"
	_ "github.com/lunixbochs/rtld/go/cmd/prebind"
	_ "github.com/lunixbochs/rtld/go/cmd/run"
	_ "github.com/lunixbochs/rtld/go/cmd/selftest"
	_ "github.com/lunixbochs/rtld/go/cmd/trace"
)

func main() { cmd.Main() }
