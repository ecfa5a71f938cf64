package gateway

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/skycoin/btxmesh/pkg/gateway"
	"github.com/skycoin/btxmesh/pkg/util/pathutil"
)

func init() {
	RootCmd.AddCommand(genConfigCmd)
}

var (
	output        string
	replace       bool
	testnet       bool
	configLocType = pathutil.WorkingDirLoc
)

func init() {
	genConfigCmd.Flags().StringVarP(&output, "output", "o", "", "path of output config file, .yaml for YAML. Uses default of 'type' flag if unspecified.")
	genConfigCmd.Flags().BoolVarP(&replace, "replace", "r", false, "whether to allow rewrite of a file that already exists.")
	genConfigCmd.Flags().BoolVarP(&testnet, "testnet", "t", false, "broadcast to testnet.")
	genConfigCmd.Flags().VarP(&configLocType, "type", "m", fmt.Sprintf("config generation mode. Valid values: %v", pathutil.AllConfigLocationTypes()))
}

var genConfigCmd = &cobra.Command{
	Use:   "gen-config",
	Short: "Generates a gateway config file",
	PreRun: func(_ *cobra.Command, _ []string) {
		if output == "" {
			var err error
			if output, err = pathutil.GatewayDefaults().Get(configLocType); err != nil {
				log.Fatalln(err)
			}
			log.Infof("No 'output' set; using default path: %s", output)
		}
		var err error
		if output, err = filepath.Abs(output); err != nil {
			log.WithError(err).Fatalln("invalid output provided")
		}
	},
	Run: func(_ *cobra.Command, _ []string) {
		var conf *gateway.Config
		switch configLocType {
		case pathutil.WorkingDirLoc:
			conf = defaultConfig()
		case pathutil.HomeLoc:
			conf = homeConfig()
		case pathutil.LocalLoc:
			conf = localConfig()
		default:
			log.Fatalln("invalid config type:", configLocType)
		}
		if _, err := pathutil.WriteConfig(conf, output, replace); err != nil {
			log.Fatalln(err)
		}
	},
}

func homeConfig() *gateway.Config {
	c := defaultConfig()
	c.Journal.Location = filepath.Join(pathutil.HomeDir(), ".btxmesh", "broadcasts.db")
	c.Log.File = filepath.Join(pathutil.HomeDir(), ".btxmesh", "gateway.log")
	return c
}

func localConfig() *gateway.Config {
	c := defaultConfig()
	c.Journal.Location = "/usr/local/btxmesh/broadcasts.db"
	c.Log.File = "/usr/local/btxmesh/gateway.log"
	return c
}

func defaultConfig() *gateway.Config {
	conf := gateway.DefaultConfig()
	conf.Journal.Type = "boltdb"
	conf.Journal.Location = "./btxmesh/broadcasts.db"
	if testnet {
		conf.Broadcast.Network = "testnet"
	}
	return conf
}
