// Command analyzer runs the site analysis API and crawl workers.
package main

import "github.com/JakeFAU/site-analyzer/internal/cli"

func main() {
	cli.Execute()
}
