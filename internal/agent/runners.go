package agent

// Per-family runner scripts. Each one loads the staged handler file, calls
// the named handler with (event, context), and writes a JSON envelope to
// fd 3. Stdout and stderr belong to the handler and become its logs.

const pythonRunner = `import json
import os
import sys
import traceback

out = os.fdopen(3, "w")
event = json.loads(os.environ.get("FNBOX_EVENT", "{}"))
context = json.loads(os.environ.get("FNBOX_CONTEXT", "{}"))
name = os.environ.get("FNBOX_HANDLER", "handler")

namespace = {"__name__": "__main__", "__builtins__": __builtins__}
try:
    with open(os.environ["FNBOX_HANDLER_FILE"]) as f:
        exec(compile(f.read(), "function.py", "exec"), namespace)
    if name not in namespace:
        raise ValueError("Handler function '%s' not found in code" % name)
    result = namespace[name](event, context)
    json.dump({"result": result}, out)
    out.flush()
except Exception as e:
    traceback.print_exc()
    json.dump({"error": "%s: %s" % (type(e).__name__, e)}, out)
    out.flush()
    sys.exit(1)
`

const nodeRunner = `const fs = require("fs");
const path = require("path");

const event = JSON.parse(process.env.FNBOX_EVENT || "{}");
const context = JSON.parse(process.env.FNBOX_CONTEXT || "{}");
const name = process.env.FNBOX_HANDLER || "handler";

(async () => {
  try {
    const mod = require(path.resolve(process.env.FNBOX_HANDLER_FILE));
    const fn = mod[name];
    if (typeof fn !== "function") {
      throw new Error("Handler function '" + name + "' not found in code");
    }
    const result = await fn(event, context);
    fs.writeSync(3, JSON.stringify({ result: result === undefined ? null : result }));
  } catch (err) {
    console.error(err && err.stack ? err.stack : String(err));
    fs.writeSync(3, JSON.stringify({ error: err && err.message ? err.message : String(err) }));
    process.exit(1);
  }
})();
`

const rubyRunner = `require "json"

out = IO.new(3, "w")
event = JSON.parse(ENV.fetch("FNBOX_EVENT", "{}"))
context = JSON.parse(ENV.fetch("FNBOX_CONTEXT", "{}"))
name = ENV.fetch("FNBOX_HANDLER", "handler")

begin
  load ENV.fetch("FNBOX_HANDLER_FILE")
  unless Object.respond_to?(name, true)
    raise "Handler function '#{name}' not found in code"
  end
  result = Object.send(name, event, context)
  out.write(JSON.generate({"result" => result}))
rescue => e
  warn "#{e.class}: #{e.message}"
  warn e.backtrace.join("\n") if e.backtrace
  out.write(JSON.generate({"error" => "#{e.class}: #{e.message}"}))
  exit 1
end
`

const bashRunner = `#!/bin/bash
source "$FNBOX_HANDLER_FILE"
if ! declare -F "$FNBOX_HANDLER" > /dev/null; then
  echo "Handler function '$FNBOX_HANDLER' not found in code" >&2
  printf '{"error":"Handler function %s not found in code"}' "$FNBOX_HANDLER" >&3
  exit 1
fi
result="$("$FNBOX_HANDLER" "$FNBOX_EVENT")"
rc=$?
printf '%s' "$result" >&3
exit $rc
`
