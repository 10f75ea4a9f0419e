// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package hostbridge

import (
	"fmt"
	"strings"
)

// GenerateHostSource renders the complete program-host.ts: a bootstrap
// prelude that wires a mutable `mill` global exposing spawn(input) plus one
// method per "extensionName.methodName" entry in methodKeys, followed by
// the user program body wrapped in an async scope so top-level await works.
// Every mill method frames a request over stdout with the reserved sentinel
// and blocks (via an internal promise registry keyed by requestId) until a
// matching response arrives on stdin. The value the program body returns
// becomes the run's programResult; a trailing expression without return
// yields undefined.
func GenerateHostSource(methodKeys []string, userBody string) string {
	var extensionMethods strings.Builder
	seen := map[string]bool{}
	for _, key := range methodKeys {
		parts := strings.SplitN(key, ".", 2)
		if len(parts) != 2 {
			continue
		}
		extName, method := parts[0], parts[1]
		if !seen[extName] {
			seen[extName] = true
			fmt.Fprintf(&extensionMethods, "mill.%s = {};\n", extName)
		}
		fmt.Fprintf(&extensionMethods, "mill.%s.%s = (...args) => __millRequest(\"extension\", { extensionName: %q, methodName: %q, args });\n",
			extName, method, extName, method)
	}

	return fmt.Sprintf(`// generated by mill's program host bridge; do not edit.
const __millPending = new Map();
let __millNextId = 1;

function __millSend(obj) {
  process.stdout.write(%q + JSON.stringify(obj) + "\n");
}

function __millRequest(requestType, extra) {
  const requestId = String(__millNextId++);
  return new Promise((resolve, reject) => {
    __millPending.set(requestId, { resolve, reject });
    __millSend({ kind: "request", requestId, requestType, ...extra });
  });
}

process.stdin.setEncoding("utf8");
let __millBuf = "";
process.stdin.on("data", (chunk) => {
  __millBuf += chunk;
  let idx;
  while ((idx = __millBuf.indexOf("\n")) >= 0) {
    const line = __millBuf.slice(0, idx);
    __millBuf = __millBuf.slice(idx + 1);
    if (!line) continue;
    let msg;
    try { msg = JSON.parse(line); } catch { continue; }
    if (msg.kind !== "response") continue;
    const pending = __millPending.get(msg.requestId);
    if (!pending) continue;
    __millPending.delete(msg.requestId);
    if (msg.ok) pending.resolve(msg.value);
    else pending.reject(new Error(msg.message));
  }
});

const mill = {
  spawn: (input) => __millRequest("spawn", { input }),
};
%s
(async () => {
  try {
    const value = await (async () => {
%s
    })();
    __millSend({ kind: "result", ok: true, value });
    process.exit(0);
  } catch (err) {
    __millSend({ kind: "result", ok: false, message: err && err.message ? err.message : String(err) });
    process.exit(0);
  }
})();
`, Sentinel, extensionMethods.String(), userBody)
}
