// Package banner prints the startup banner with the effective
// configuration, before structured logging takes over.
package banner

import "fmt"

const logo = `
======================================================================
 ____            _     _                       _
|  _ \ ___  __ _(_)___| |_ _ __ __ _ _ __ __| |
| |_) / _ \/ _` + "`" + ` | / __| __| '__/ _` + "`" + ` | '__/ _` + "`" + ` |
|  _ <  __/ (_| | \__ \ |_| | | (_| | | | (_| |
|_| \_\___|\__, |_|___/\__|_|  \__,_|_|  \__,_|
           |___/
----------------------------------------------------------------------`

const footer = `======================================================================`

// ConfigLine is one label/value pair shown under the logo.
type ConfigLine struct {
	Label string
	Value string
}

// Print writes the banner for serviceName followed by the aligned
// configuration lines.
func Print(serviceName string, config []ConfigLine) {
	fmt.Println(logo)
	fmt.Println(serviceName)

	width := 0
	for _, c := range config {
		if len(c.Label) > width {
			width = len(c.Label)
		}
	}
	for _, c := range config {
		fmt.Printf("  %-*s : %s\n", width, c.Label, c.Value)
	}

	fmt.Println()
	fmt.Println("Ready.")
	fmt.Println(footer)
	fmt.Println()
}
