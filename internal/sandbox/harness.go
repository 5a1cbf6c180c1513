package sandbox

// harness is the in-process shim evaluated by the child interpreter. It reads
// one JSON request from stdin, runs the skill body as a function of `input`,
// and writes exactly one JSON response line to stdout as its final act. User
// code may print its own lines first; the response is always the last line.
const harness = `
let raw = "";
process.stdin.setEncoding("utf8");
process.stdin.on("data", (chunk) => { raw += chunk; });
process.stdin.on("end", () => {
  let req;
  try {
    req = JSON.parse(raw);
  } catch (err) {
    process.stdout.write("\n" + JSON.stringify({ ok: false, error: "bad request: " + err.message }) + "\n");
    return;
  }
  try {
    const fn = new Function("input", req.code);
    const result = fn(req.input);
    const body = JSON.stringify({ ok: true, result: result === undefined ? null : result });
    process.stdout.write("\n" + body + "\n");
  } catch (err) {
    const msg = err && err.message ? err.message : String(err);
    process.stdout.write("\n" + JSON.stringify({ ok: false, error: msg }) + "\n");
  }
});
`
