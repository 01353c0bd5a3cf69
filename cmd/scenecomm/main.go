// Scenecomm — interactive client and admin shell for the relay.
//
// It connects to a relay, posts an identity and scene, optionally opens a
// datagram channel, and then accepts commands from stdin:
//
//	list         - list all connected clients (roster)
//	status:<scene>,<pos>,<speed> - post a ride status update
//	totcp:<data> - broadcast <data> to scene peers on the reliable channel
//	toudp:<data> - send <data> to scene peers on the datagram channel
//	<data>       - send a generic data message to the relay
//	quit         - disconnect and exit
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"

	"github.com/attolabs/scenecomm/internal/client"
	"github.com/attolabs/scenecomm/internal/protocol"
	"github.com/attolabs/scenecomm/internal/util"
)

var version = "dev"

func main() {
	server := flag.String("server", "127.0.0.1", "Relay host")
	port := flag.Int("port", 2021, "Relay TCP port")
	userID := flag.String("user", "admin", "User id to report")
	userName := flag.String("name", "admin", "User name to report")
	domain := flag.String("domain", "na", "User domain to report")
	scene := flag.String("scene", protocol.UnassignedScene, "Scene id to join")
	withUDP := flag.Bool("udp", true, "Open a datagram channel after connecting")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Scenecomm shell — v%s", version))
	pterm.Println()

	cl := client.New(*server, *port, client.Callbacks{
		OnMessage:  printMessage,
		OnDatagram: printDatagram,
		OnUDPReady: func(p int) { util.LogInfo("datagram channel ready on relay port %d", p) },
		OnClose:    func() { util.LogWarning("connection to relay closed") },
	})

	if err := cl.Connect(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer cl.Close()

	// Identify, declare the scene, optionally open the datagram channel —
	// the same opening sequence the reference shells perform.
	mustSend(cl.UpdateUser(protocol.UserInfo{
		UserID:     *userID,
		UserName:   *userName,
		UserDomain: *domain,
	}))
	mustSend(cl.UpdateStatus(protocol.StatusInfo{
		SceneID:  *scene,
		ScenePos: "0",
		Speed:    "0",
	}))
	if *withUDP {
		mustSend(cl.RequestUDPChannel())
	}

	pterm.Println("Type 'help' to show valid commands")
	commandLoop(cl)
	pterm.Println("Done!")
}

// commandLoop reads stdin lines until quit or EOF.
func commandLoop(cl *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "quit":
			pterm.Println("exit now......")
			return

		case line == "help":
			printHelp()

		case line == "list":
			pterm.Println("List of all clients:")
			mustSend(cl.ListClients())

		case strings.HasPrefix(line, "status:"):
			postStatus(cl, strings.TrimPrefix(line, "status:"))

		case strings.HasPrefix(line, "totcp:"):
			pterm.Println("Broadcasting over the reliable channel......")
			mustSend(cl.Broadcast(line))

		case strings.HasPrefix(line, "toudp:"):
			pterm.Println("Sending over the datagram channel......")
			mustSend(cl.SendDatagram([]byte(line)))

		default:
			pterm.Println("Sending general data to the relay......")
			mustSend(cl.SendData(line))
		}
	}
}

func printHelp() {
	pterm.Println("Supported commands:")
	pterm.Println("    list         - List all clients")
	pterm.Println("    status:<scene>,<pos>,<speed> - Post a ride status update")
	pterm.Println("    totcp:<data> - Broadcast data to scene peers (reliable)")
	pterm.Println("    toudp:<data> - Send data to scene peers (datagram)")
	pterm.Println("    <data>       - Send general data to the relay")
	pterm.Println("    quit         - Quit")
}

// postStatus parses "<scene>,<pos>,<speed>" and posts a status update.
func postStatus(cl *client.Client, args string) {
	parts := strings.SplitN(args, ",", 3)
	if len(parts) != 3 {
		pterm.Println("usage: status:<scene>,<pos>,<speed>")
		return
	}
	pterm.Println("Posting ride status......")
	mustSend(cl.UpdateStatus(protocol.StatusInfo{
		SceneID:  strings.TrimSpace(parts[0]),
		ScenePos: strings.TrimSpace(parts[1]),
		Speed:    strings.TrimSpace(parts[2]),
	}))
}

// printMessage renders inbound envelopes. Roster replies print as-is;
// everything else is shown with its action.
func printMessage(env *protocol.Envelope) {
	switch env.Action {
	case protocol.ActionListClients:
		pterm.Print(env.Data)
	case protocol.ActionWelcome:
		util.LogInfo("relay says: %s", env.Action)
	default:
		pterm.Printf("[%s] %s\n", env.Action, env.Data)
	}
}

func printDatagram(data []byte) {
	pterm.Printf("[udp] %s\n", string(data))
}

func mustSend(err error) {
	if err != nil {
		util.LogWarning("send failed: %v", err)
	}
}
