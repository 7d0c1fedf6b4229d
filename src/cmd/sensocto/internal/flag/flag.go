package flag

import (
	"os"
	"path/filepath"

	"github.com/alecthomas/kingpin"

	"github.com/sensocto/sensocto-go/src/configs"
	"github.com/sensocto/sensocto-go/src/consts"
)

var (
	app = kingpin.New("sensocto", "Adaptive delivery-control daemon for streamed sensor measurements.")

	Debug = app.Flag("debug", "Enable debug mode.").Default("false").Bool()
	Conf  = app.Flag("config", "Path to the yaml config file.").Short('c').String()
	Bind  = app.Flag("bind", "Address the HTTP control surface listens on.").Short('b').Default(":8080").String()
	Data  = app.Flag("data-path", "Application data directory (history db, logs).").String()
)

func init() {
	app.Version(consts.AppVersion)
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))
}

// GenConfigFromFlags builds a config from the package defaults overlaid
// with the command line. Used when no config file is given.
func GenConfigFromFlags() *configs.Config {
	cfg := configs.NewConfig()
	cfg.Debug = *Debug
	cfg.RPC.Bind = *Bind
	if *Data != "" {
		cfg.AppDataPath = *Data
		cfg.History.DBPath = filepath.Join(*Data, "db", "loadhistory.db")
	}
	return cfg
}
