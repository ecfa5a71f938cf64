package internal

import (
	"bufio"
	"io/ioutil"
	"os"
	"strings"

	"github.com/skycoin/skycoin/src/util/logging"
)

var log = logging.MustGetLogger("btxmesh-cli")

// Catch handles errors for btxmesh-cli commands packages
func Catch(err error, msgs ...string) {
	if err != nil {
		if len(msgs) > 0 {
			log.Fatalln(append(msgs, err.Error()))
		} else {
			log.Fatalln(err)
		}
	}
}

// ReadHexArg returns args[0], or standard input when it is "-" or absent.
func ReadHexArg(args []string) string {
	if len(args) > 0 && args[0] != "-" {
		return strings.TrimSpace(args[0])
	}
	raw, err := ioutil.ReadAll(bufio.NewReader(os.Stdin))
	Catch(err, "failed to read stdin:")
	return strings.TrimSpace(string(raw))
}
