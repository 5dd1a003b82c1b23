package build

import (
	"fmt"
	"strings"
)

// DefaultReloadEndpoint is the notifier address used when none is configured.
const DefaultReloadEndpoint = "ws://localhost:3000"

// ReloadMessage is the text frame that tells a page to reload.
const ReloadMessage = "reload"

const closingBody = "</body>"

// ReloadSnippet returns the script injected into markup files in live mode.
// It connects to endpoint, logs connect and disconnect to the console and
// reloads the page when it receives ReloadMessage.
func ReloadSnippet(endpoint string) string {
	return fmt.Sprintf(`
    <script>
        const socket = new WebSocket(%q);

        socket.addEventListener('open', () => {
            console.log('Connected to the live server');
        });

        socket.addEventListener('message', (event) => {
            if (event.data === %q) {
                location.reload();
            }
        });

        socket.addEventListener('close', () => {
            console.log('Disconnected from the live server');
        });
    </script>`, endpoint, ReloadMessage)
}

// InjectSnippet inserts snippet before the first closing body tag, or
// appends it when content has none.
func InjectSnippet(content, snippet string) string {
	if i := strings.Index(content, closingBody); i >= 0 {
		return content[:i] + snippet + "\n" + content[i:]
	}
	return content + snippet
}
