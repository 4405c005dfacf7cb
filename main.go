// Command corpgraph crawls corporate ownership graphs.
package main

import "github.com/JakeFAU/corpgraph-crawler/cmd"

func main() {
	cmd.Execute()
}
