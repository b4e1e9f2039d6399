package prebind

import (
	"os"

	"github.com/apex/log"

	"github.com/lunixbochs/rtld/go/cmd"
	"github.com/lunixbochs/rtld/go/rtld"
)

func Main(args []string) {
	c := cmd.NewRtldCmd("prebind", "<exe> [exe...]")
	strip := c.Flags.Bool("u", false, "remove prebind data instead of writing it")
	c.Extra = []string{"u"}
	files := c.Parse(args, os.Environ())
	if len(files) == 0 {
		c.Flags.Usage()
		c.Exit(1)
	}
	var err error
	if *strip {
		err = rtld.StripPrebind(c.Config, files, rtld.WithLogger(log.Log))
	} else {
		err = rtld.Prebind(c.Config, files, rtld.WithLogger(log.Log))
	}
	if err != nil {
		c.PrintError(err)
		c.Exit(1)
	}
	c.Exit(0)
}

func init() { cmd.Register("prebind", "record symbol bindings for faster startup", Main) }
