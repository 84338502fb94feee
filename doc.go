// Package crx converts Chrome extension packages (CRX2 and CRX3) into plain
// ZIP archives.
//
// A CRX file is a ZIP archive prefixed with a small binary header:
//   - Version 2: magic "Cr24", version, public key length, signature length,
//     followed by the public key and the signature.
//   - Version 3: magic "Cr24", version, header length, followed by a
//     protobuf-encoded signed header.
//
// Some stores wrap a complete CRX2 package in an additional CRX3 header.
// Such nested containers are unwrapped and the innermost payload is returned.
//
// # Quick Start
//
// Convert an in-memory package:
//
//	zipData, err := crx.Convert(data)
//	if err != nil {
//	    return err
//	}
//
// Inspect the header layers without copying the payload:
//
//	c, err := crx.Inspect(data, crx.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	fmt.Println(c.Layers[0].Version, c.PayloadOffset, c.ExtensionID())
//
// Stream a package from disk:
//
//	f, _ := os.Open("ext.crx")
//	info, _ := f.Stat()
//	pkg, err := crx.Open(crx.NewFileSource(f, info.Size()))
//	if err != nil {
//	    return err
//	}
//	_, err = io.Copy(out, pkg.Payload())
//
// # Identity
//
// The public key of the signer is recovered for diagnostics only. For CRX3
// it is decoded from the signed header by an [IdentityDecoder]; the default
// decoder lives in the crx3 subpackage. No signature is ever verified.
package crx
