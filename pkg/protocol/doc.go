// Package protocol implements the ws-rpc-e2e wire envelope.
//
// Every WebSocket text frame carries exactly one Envelope encoded as a
// single-line JSON object. All fields are optional and omitted when unset:
//
//	{ "name": string, "answerTo": string, "sender": {"id": string}, "message": any, "timestamp": RFC3339 }
//
// # Field Roles
//
// The name field is overloaded:
//   - In a request it names the operation to run on the hub ("say-hello").
//   - In a reply it carries the correlation token the receiver is waiting on.
//
// The answerTo field appears on requests only and holds the correlation token
// the sender expects to see echoed back as the reply's name.
//
// # Handshake
//
// The "connection" operation exchanges public keys in cleartext:
//
//	endpoint -> hub: {name:"connection", sender:{id:<endpoint>}, answerTo:<token>, message:<endpoint public key>}
//	hub -> endpoint: {name:<token>, sender:{id:<hub>}, message:<hub public key for this session>}
//
// Every other exchange carries a ciphertext string in message.
//
// # Usage Example
//
//	req := protocol.NewRequest("say-hello", endpointID, token, ciphertext)
//	frame, err := protocol.Encode(req)
//	...
//	env, err := protocol.Decode(frame)
//	if errors.Is(err, protocol.ErrMalformedEnvelope) {
//	    // drop the frame
//	}
package protocol
