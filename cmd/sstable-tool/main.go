// Command sstable-tool inspects SSTable files, manifests and write-ahead
// logs without opening the store.
package main

import (
	"os"

	"github.com/dd0wney/cluso-sstable/pkg/tool"
)

func main() {
	if err := tool.New().Root.Execute(); err != nil {
		os.Exit(1)
	}
}
