// Package sigproto defines the signaling wire protocol spoken between browser
// peers and the relay: message types, the relayed envelope and the codecs
// negotiated through the WebSocket subprotocol.
package sigproto
