package chain

// kescABI covers the subset of the KESC contract the wallet uses.
const kescABI = `[
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"isBlackListed","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"paused","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},
             {"name":"to","type":"address","indexed":true},
             {"name":"value","type":"uint256","indexed":false}]},
  {"type":"event","name":"Mint","anonymous":false,
   "inputs":[{"name":"to","type":"address","indexed":true},
             {"name":"amount","type":"uint256","indexed":false},
             {"name":"reason","type":"string","indexed":false}]},
  {"type":"event","name":"Burn","anonymous":false,
   "inputs":[{"name":"from","type":"address","indexed":true},
             {"name":"amount","type":"uint256","indexed":false},
             {"name":"reason","type":"string","indexed":false}]}
]`
