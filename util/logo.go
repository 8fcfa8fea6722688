package util

import (
	"fmt"

	"github.com/hetianyi/godisk/common"
	"github.com/logrusorgru/aurora"
)

func PrintLogo() {
	fmt.Print(aurora.Cyan(`
   ____    ____    ____    _   ____   _  __
  / ___\  / __ \  / __ \  (_) / ___\ | |/ /   GoDisk::v` + common.VERSION + `
 / /_/\  / /_/ / / /_/ / / /  \__ \  |   <    A personal network disk.
 \____/  \____/ /_____/ /_/  /____/  |_|\_\   github.com/hetianyi/godisk

`))
}
