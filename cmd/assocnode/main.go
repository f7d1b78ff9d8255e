// Command assocnode runs a transport engine from the command line.
//
//	assocnode listen --mode tcp --port 2552
//	assocnode send tcp://default@127.0.0.1:2552 hello world
//	assocnode keygen
package main

func main() {
	Execute()
}
