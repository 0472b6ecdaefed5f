package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"time"

	toolbox "github.com/MegaGrindStone/go-toolbox"
)

func main() {
	url := flag.String("url", "http://127.0.0.1:5000", "Toolbox server URL")
	protocol := flag.String("protocol", "toolbox", "Wire protocol: toolbox, or an MCP revision such as 2025-06-18")
	toolset := flag.String("toolset", "", "Toolset to list (empty for the default toolset)")
	toolName := flag.String("tool", "", "Tool to invoke after listing")
	argsJSON := flag.String("args", "{}", "Tool arguments as a JSON object")
	authToken := flag.String("auth-token", "", "Token to present for the my-google auth service")

	flag.Parse()

	var transport toolbox.Transport
	if *protocol == string(toolbox.ProtocolToolbox) {
		transport = toolbox.NewHTTPTransport(*url, nil)
	} else {
		var err error
		transport, err = toolbox.NewMCPTransport(*url, nil, toolbox.Protocol(*protocol))
		if err != nil {
			log.Fatalf("Create transport: %v", err)
		}
	}

	client := toolbox.NewClient(transport, toolbox.WithClientHeaders(map[string]toolbox.Value{
		"X-Client": toolbox.Static("go-toolbox-example"),
	}))
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tools, err := client.LoadToolset(ctx, *toolset)
	if err != nil {
		log.Fatalf("Load toolset: %v", err)
	}

	fmt.Printf("Loaded %d tools\n", len(tools))
	for _, tool := range tools {
		fmt.Printf("  %s: %s\n", tool.Name(), tool.Description())
		for _, p := range tool.Parameters() {
			required := ""
			if p.Required {
				required = ", required"
			}
			fmt.Printf("    - %s (%s%s)\n", p.Name, p.Type, required)
		}
	}

	if *toolName == "" {
		return
	}

	var opts []toolbox.LoadOption
	if *authToken != "" {
		token := *authToken
		opts = append(opts, toolbox.WithAuthTokenGetters(map[string]toolbox.AuthTokenGetter{
			"my-google": func(context.Context) (string, error) { return token, nil },
		}))
	}

	tool, err := client.LoadTool(ctx, *toolName, opts...)
	if err != nil {
		log.Fatalf("Load tool: %v", err)
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(*argsJSON), &args); err != nil {
		log.Fatalf("Parse args: %v", err)
	}

	result, err := tool.Invoke(ctx, args)
	if err != nil {
		log.Fatalf("Invoke %s: %v", *toolName, err)
	}
	fmt.Println(result)
}
