// Package mqtt publishes the agent's lifecycle as Home Assistant MQTT
// discovery sensors: lifecycle state, survival tier, credit balance,
// turn count, and daily token spend. Discovery configs are re-published
// (retained) on every broker (re-)connect, together with a birth
// message on the availability topic; a will message flips it to
// "offline" on unexpected disconnects.
//
// State is pushed on a fixed interval and immediately whenever the
// event bus reports a state change or a completed turn. Optionally the
// publisher also subscribes to <base>/inbox and queues inbound
// payloads as inbox messages for the agent.
//
// Connection management uses Eclipse Paho v2's [autopaho] package.
package mqtt
