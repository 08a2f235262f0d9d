package resolver

// SDKPackage is the runtime SDK every application imports.
const SDKPackage = "@wasm-deploy/sdk"

// DefaultStubs returns the ambient files compilation falls back to when
// neither the repository nor the CDN can provide them.
func DefaultStubs() map[string][]byte {
	return map[string][]byte{
		"asconfig.json": []byte(`{
  "targets": {
    "release": {
      "outFile": "index.wasm",
      "textFile": "index.wat",
      "optimizeLevel": 3,
      "shrinkLevel": 0,
      "converge": false,
      "noAssert": true
    }
  },
  "options": {
    "bindings": "raw",
    "exportRuntime": false
  }
}
`),
		"node_modules/" + SDKPackage + "/package.json": []byte(`{
  "name": "` + SDKPackage + `",
  "version": "0.0.0-stub",
  "types": "index.ts",
  "main": "index.ts"
}
`),
		"node_modules/" + SDKPackage + "/index.ts": []byte(`export declare function notify(message: string): void;
export declare function query(key: string): string;
export declare function persist(key: string, value: string): void;
export declare function registerRoute(name: string, kind: u32): void;
`),
	}
}
