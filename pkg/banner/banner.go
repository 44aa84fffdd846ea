package banner

import (
	"fmt"
)

const banner = `
███╗   ███╗███████╗████████╗ █████╗ ███████╗███████╗███████╗██████╗
████╗ ████║██╔════╝╚══██╔══╝██╔══██╗██╔════╝██╔════╝██╔════╝██╔══██╗
██╔████╔██║█████╗     ██║   ███████║█████╗  █████╗  █████╗  ██║  ██║
██║╚██╔╝██║██╔══╝     ██║   ██╔══██║██╔══╝  ██╔══╝  ██╔══╝  ██║  ██║
██║ ╚═╝ ██║███████╗   ██║   ██║  ██║██║     ███████╗███████╗██████╔╝
╚═╝     ╚═╝╚══════╝   ╚═╝   ╚═╝  ╚═╝╚═╝     ╚══════╝╚══════╝╚═════╝
`

// Print shows the startup banner with the effective runtime settings.
func Print(addr, dbPath, root, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", addr)
	fmt.Printf("DB Path:  %s\n", dbPath)
	if root != "" {
		fmt.Printf("Root:     %s\n", root)
	}
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("GET  /v1/root - The identity's root meta-feed")
	fmt.Println("GET  /v1/tree/{root} - Materialized feed tree under a root")
	fmt.Println("GET  /v1/feeds/{id} - Feed details by id")
	fmt.Println("POST /v1/feeds - Find-or-create a feed {purpose, format}")
	fmt.Println("POST /v1/feeds/{purpose}/tombstone - Terminate a feed {reason}")
	fmt.Println("\n== Examples ===================================================")
	fmt.Printf("curl -X POST 'http://localhost%s/v1/feeds' -d '{\"purpose\":\"chess\"}'\n", addr)
	fmt.Printf("curl 'http://localhost%s/v1/branches?tombstoned=false'\n", addr)
}
